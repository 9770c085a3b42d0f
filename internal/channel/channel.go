// Package channel provides generic channel interfaces used to hand detector
// results between goroutines.
package channel

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	// Send blocks until the value is accepted.
	Send(T)
	// TrySend never blocks. It returns false and counts a drop when the
	// value cannot be accepted immediately.
	TrySend(T) bool
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Dropped() uint64
	Close()
}
