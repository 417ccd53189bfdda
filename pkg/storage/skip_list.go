// Package storage holds the in-memory reference backend that read-through clients sit in front of in tests and in the
// demo driver.
//
// This file implements a generic SkipList, the ordered map every namespace table is built on. A skip list maintains
// multiple forward-pointer layers over a sorted linked list. Each key may be promoted to higher levels with
// probability p, forming express lanes that let searches skip over large ranges. Operations start at the highest
// populated level and descend when advancing would overshoot the target key.
//
// Properties
// - Expected time complexity for Get/Set/Delete: O(log n)
// - Probabilistic balancing controlled by promotion probability p (default 0.25)
// - Deterministic iteration order by key, which gives table scans a stable default order
package storage

import (
	"iter"
	"math/rand"
	"time"
)

// Pair is one key-value pair yielded by ordered iteration.
type Pair[K any, V any] struct {
	Key   K
	Value V
}

type skipListNode[K any, V any] struct {
	key      K
	value    V
	forwards []*skipListNode[K, V] // Forward pointers per level (0..level-1).
}

// SkipList is a probabilistically balanced ordered map. Keys are ordered by the comparator given to NewSkipList.
// It is not safe for concurrent use; MemTable guards it.
type SkipList[K any, V any] struct {
	head            *skipListNode[K, V]
	compare         func(a, b K) int
	level, maxLevel int
	length          int
	p               float64 // Probability that a node is promoted to the next level.
	rnd             *rand.Rand
}

// NewSkipList creates a new empty skip list ordered by `compare`.
// Defaults: maxLevel=16, p=0.25.
func NewSkipList[K any, V any](compare func(a, b K) int) *SkipList[K, V] {
	const defaultMaxLevel = 16
	const defaultP = 0.25
	return &SkipList[K, V]{
		head:     &skipListNode[K, V]{forwards: make([]*skipListNode[K, V], defaultMaxLevel)},
		compare:  compare,
		level:    1,
		maxLevel: defaultMaxLevel,
		p:        defaultP,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SkipList[K, V]) randomLevel() int {
	lvl := 1
	for lvl < s.maxLevel && s.rnd.Float64() < s.p {
		lvl++
	}
	return lvl
}

// findPredecessors fills `update` with the last node before `key` on every level and returns the level 0 candidate.
func (s *SkipList[K, V]) findPredecessors(key K, update []*skipListNode[K, V]) *skipListNode[K, V] {
	node := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := node.forwards[lvl]; next != nil && s.compare(next.key, key) < 0; next = node.forwards[lvl] {
			node = next
		}
		if update != nil {
			update[lvl] = node
		}
	}
	return node.forwards[0]
}

// Get returns the value for key or ErrKeyNotFound if the key is absent.
func (s *SkipList[K, V]) Get(key K) (V, error) {
	var zero V
	if s == nil || s.head == nil {
		return zero, ErrKeyNotFound
	}
	if candidate := s.findPredecessors(key, nil); candidate != nil && s.compare(candidate.key, key) == 0 {
		return candidate.value, nil
	}
	return zero, ErrKeyNotFound
}

// Set inserts a new key/value or updates an existing one. It reports whether the key already existed.
func (s *SkipList[K, V]) Set(key K, value V) (bool /*alreadyExists*/, error) {
	if s == nil || s.head == nil {
		return false, ErrUninitialized
	}
	update := make([]*skipListNode[K, V], s.maxLevel)
	if candidate := s.findPredecessors(key, update); candidate != nil && s.compare(candidate.key, key) == 0 {
		candidate.value = value
		return true, nil
	}
	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}
	newNode := &skipListNode[K, V]{key: key, value: value, forwards: make([]*skipListNode[K, V], lvl)}
	for i := 0; i < lvl; i++ {
		newNode.forwards[i] = update[i].forwards[i]
		update[i].forwards[i] = newNode
	}
	s.length++
	return false, nil
}

// Delete removes key from the list or returns ErrKeyNotFound.
func (s *SkipList[K, V]) Delete(key K) error {
	if s == nil || s.head == nil {
		return ErrKeyNotFound
	}
	update := make([]*skipListNode[K, V], s.maxLevel)
	target := s.findPredecessors(key, update)
	if target == nil || s.compare(target.key, key) != 0 {
		return ErrKeyNotFound
	}
	for i := 0; i < s.level; i++ {
		if update[i].forwards[i] == target {
			update[i].forwards[i] = target.forwards[i]
		}
	}
	// Decrease level if the top levels are now empty.
	for s.level > 1 && s.head.forwards[s.level-1] == nil {
		s.level--
	}
	s.length--
	return nil
}

func (s *SkipList[K, V]) Len() int {
	if s == nil {
		return 0
	}
	return s.length
}

// Iterate yields every pair in ascending key order.
func (s *SkipList[K, V]) Iterate() iter.Seq[Pair[K, V]] {
	return func(yield func(Pair[K, V]) bool) {
		if s == nil || s.head == nil {
			return
		}
		for node := s.head.forwards[0]; node != nil; node = node.forwards[0] {
			if !yield(Pair[K, V]{Key: node.key, Value: node.value}) {
				return
			}
		}
	}
}

// Close releases no resources to free for now.
func (s *SkipList[K, V]) Close() error {
	return nil
}
