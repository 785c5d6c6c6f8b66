package transfer

import (
	"sync"
	"sync/atomic"
)

// CancelSignal is a one-shot cancellation flag. Setting it closes Done, which
// wakes every waiter at once. Once set it stays set.
type CancelSignal struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewCancelSignal creates an unset signal.
func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

// Cancel sets the signal. It reports whether this call was the one that
// set it.
func (c *CancelSignal) Cancel() bool {
	first := false
	c.once.Do(func() {
		c.set.Store(true)
		close(c.done)
		first = true
	})
	return first
}

// Canceled reports whether the signal is set.
func (c *CancelSignal) Canceled() bool {
	return c.set.Load()
}

// Done returns a channel closed when the signal is set.
func (c *CancelSignal) Done() <-chan struct{} {
	return c.done
}
