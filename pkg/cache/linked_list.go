// Both the LRU store and the namespace directory keep their entries in a doubly linked list: the store orders entries
// by recency, the directory orders namespaces by insertion.

package cache

import "iter"

// linkedListNode represents a node in the doubly linked list.
type linkedListNode[V any] struct {
	next  *linkedListNode[V]
	prev  *linkedListNode[V]
	Value V
}

// Next returns the next node in the list.
func (n *linkedListNode[V]) Next() *linkedListNode[V] { return n.next }

// Prev returns the previous node in the list.
func (n *linkedListNode[V]) Prev() *linkedListNode[V] { return n.prev }

// linkedList is a doubly linked list; the zero value is an empty list.
type linkedList[V any] struct {
	head *linkedListNode[V]
	tail *linkedListNode[V]
	size int
}

// Len returns the number of elements in the list.
func (l *linkedList[V]) Len() int { return l.size }

// Front returns the first node of the list or nil if the list is empty.
func (l *linkedList[V]) Front() *linkedListNode[V] { return l.head }

// Back returns the last node of the list or nil if the list is empty.
func (l *linkedList[V]) Back() *linkedListNode[V] { return l.tail }

// Values yields the values from front to back. The list must not change while iterating.
func (l *linkedList[V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for node := l.head; node != nil; node = node.next {
			if !yield(node.Value) {
				return
			}
		}
	}
}

// unlink detaches `n` from its neighbours and fixes head and tail.
func (l *linkedList[V]) unlink(n *linkedListNode[V]) {
	if n.prev == nil {
		l.head = n.next
	} else {
		n.prev.next = n.next
	}
	if n.next == nil {
		l.tail = n.prev
	} else {
		n.next.prev = n.prev
	}
	n.next, n.prev = nil, nil
}

// linkFront makes the detached node `n` the new head.
func (l *linkedList[V]) linkFront(n *linkedListNode[V]) {
	n.next = l.head
	if l.head == nil { // List was empty.
		l.tail = n
	} else {
		l.head.prev = n
	}
	l.head = n
}

// Remove removes a node from the list.
func (l *linkedList[V]) Remove(n *linkedListNode[V]) {
	l.unlink(n)
	l.size--
}

// MoveToFront moves a node of the list to its front.
func (l *linkedList[V]) MoveToFront(n *linkedListNode[V]) {
	if l.head == n {
		return
	}
	l.unlink(n)
	l.linkFront(n)
}

// PushFront adds a new value to the front of the list.
func (l *linkedList[V]) PushFront(v V) *linkedListNode[V] {
	n := &linkedListNode[V]{Value: v}
	l.linkFront(n)
	l.size++
	return n
}

// PushBack adds a new value to the back of the list.
func (l *linkedList[V]) PushBack(v V) *linkedListNode[V] {
	n := &linkedListNode[V]{Value: v, prev: l.tail}
	if l.tail == nil { // List was empty.
		l.head = n
	} else {
		l.tail.next = n
	}
	l.tail = n
	l.size++
	return n
}
