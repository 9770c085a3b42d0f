package channel

import "sync/atomic"

// Buffered is a buffered channel implementation
type Buffered[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewBuffered creates a new buffered channel with the given size
func NewBuffered[T any](size int) *Buffered[T] {
	return &Buffered[T]{ch: make(chan T, size)}
}

func (b *Buffered[T]) Send(v T) {
	b.ch <- v
}

func (b *Buffered[T]) TrySend(v T) bool {
	select {
	case b.ch <- v:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Receive returns the receive-only channel
func (b *Buffered[T]) Receive() <-chan T {
	return b.ch
}

// Len returns the number of items currently in the buffer
func (b *Buffered[T]) Len() int {
	return len(b.ch)
}

// Dropped is the number of values rejected by TrySend.
func (b *Buffered[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the channel
func (b *Buffered[T]) Close() {
	close(b.ch)
}
