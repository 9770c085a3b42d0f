// internal/channel/unbuffered.go
package channel

import "sync/atomic"

// Unbuffered is an unbuffered channel implementation
type Unbuffered[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewUnbuffered creates a new unbuffered channel
func NewUnbuffered[T any]() *Unbuffered[T] {
	return &Unbuffered[T]{ch: make(chan T)}
}

// Send sends a value to the channel (blocks until received)
func (u *Unbuffered[T]) Send(v T) {
	u.ch <- v
}

// TrySend succeeds only if a receiver is already waiting.
func (u *Unbuffered[T]) TrySend(v T) bool {
	select {
	case u.ch <- v:
		return true
	default:
		u.dropped.Add(1)
		return false
	}
}

// Receive returns the receive-only channel
func (u *Unbuffered[T]) Receive() <-chan T {
	return u.ch
}

// Len always returns 0 for unbuffered channels
func (u *Unbuffered[T]) Len() int {
	return 0
}

func (u *Unbuffered[T]) Dropped() uint64 {
	return u.dropped.Load()
}

// Close closes the channel
func (u *Unbuffered[T]) Close() {
	close(u.ch)
}
