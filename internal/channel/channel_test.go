//go:build !debug

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuffered_TrySendDropsWhenFull(t *testing.T) {
	c := New[int](2)

	assert.True(t, c.TrySend(1))
	assert.True(t, c.TrySend(2))
	assert.False(t, c.TrySend(3))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Dropped())

	assert.Equal(t, 1, <-c.Receive())
	assert.True(t, c.TrySend(4))
}

func TestBuffered_CloseEndsRange(t *testing.T) {
	c := NewBuffered[string](3)
	c.Send("a")
	c.Send("b")
	c.Close()

	var got []string
	for v := range c.Receive() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestUnbuffered_TrySendNeedsReceiver(t *testing.T) {
	c := NewUnbuffered[int]()
	assert.False(t, c.TrySend(1))
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, 0, c.Len())

	got := make(chan int)
	go func() { got <- <-c.Receive() }()
	c.Send(7)
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("receiver did not get value")
	}
}
