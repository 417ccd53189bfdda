package storage

import (
	"log/slog"
	"sync"

	"github.com/nobletooth/querycache/pkg/query"
)

// subscriptionBuffer is how many undelivered events a subscription holds before new ones are dropped.
const subscriptionBuffer = 64

// memorySubscription is a live feed of the changes to one namespace's records matching a query.
type memorySubscription struct {
	query   *query.Query
	events  chan query.Event
	backend *MemoryBackend

	closeOnce sync.Once
}

var _ query.Subscription = (*memorySubscription)(nil)

func (s *memorySubscription) Events() <-chan query.Event { return s.events }

// Unsubscribe stops the feed and closes the event channel. Calling it again is a no-op.
func (s *memorySubscription) Unsubscribe() error {
	s.closeOnce.Do(func() {
		s.backend.removeSubscription(s)
		close(s.events)
	})
	return nil
}

// deliver hands an event over without blocking the writer. Callers must hold the backend's subscriptions lock, so
// delivery can't race with Unsubscribe closing the channel.
func (s *memorySubscription) deliver(event query.Event) {
	if !s.query.Matches(event.Record) {
		return
	}
	select {
	case s.events <- event:
	default:
		slog.Warn("Dropping a subscription event; the subscriber is not keeping up.",
			"namespace", event.Record.Namespace, "objectId", event.Record.ID, "type", event.Type)
	}
}
