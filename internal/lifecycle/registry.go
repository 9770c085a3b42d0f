package lifecycle

import (
	"sync"

	"github.com/google/uuid"

	"github.com/OCAP2/markerpose/pkg/core"
)

// Subscription identifies one attached handler.
type Subscription struct {
	ID     uuid.UUID
	cancel func()
}

// Unsubscribe detaches the handler. It is safe to call more than once and
// from inside the handler itself.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type entry[T any] struct {
	id uuid.UUID
	fn func(T)
}

// Signal is a list of handlers for one kind of event. The zero value is
// ready to use.
type Signal[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
}

// Subscribe attaches fn and returns the handle that detaches it.
func (s *Signal[T]) Subscribe(fn func(T)) Subscription {
	id := uuid.New()
	s.mu.Lock()
	s.entries = append(s.entries, entry[T]{id: id, fn: fn})
	s.mu.Unlock()
	return Subscription{ID: id, cancel: func() { s.unsubscribe(id) }}
}

func (s *Signal[T]) unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Emit invokes each handler once with v. Handlers are snapshotted first, so
// a handler may subscribe or unsubscribe without affecting this emission.
func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	snapshot := make([]entry[T], len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len is the number of attached handlers.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear detaches every handler.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Slots is the set of lifecycle callbacks for one marker id.
// Subscribing and unsubscribing are safe from any goroutine; events are
// emitted on the main context only.
type Slots struct {
	id      int
	added   Signal[int]
	updated Signal[core.Observation]
	removed Signal[int]
}

func newSlots(id int) *Slots {
	return &Slots{id: id}
}

// MarkerID is the id these slots belong to.
func (s *Slots) MarkerID() int { return s.id }

// OnAdded fires once when the marker is seen after being inactive.
func (s *Slots) OnAdded(fn func(id int)) Subscription { return s.added.Subscribe(fn) }

// OnUpdated fires for every valid observation of the marker.
func (s *Slots) OnUpdated(fn func(core.Observation)) Subscription {
	return s.updated.Subscribe(fn)
}

// OnRemoved fires once when the marker is declared lost.
func (s *Slots) OnRemoved(fn func(id int)) Subscription { return s.removed.Subscribe(fn) }

// Subscribers is the total number of attached handlers across all three slots.
func (s *Slots) Subscribers() int {
	return s.added.Len() + s.updated.Len() + s.removed.Len()
}

// Clear detaches every handler.
func (s *Slots) Clear() {
	s.added.Clear()
	s.updated.Clear()
	s.removed.Clear()
}
