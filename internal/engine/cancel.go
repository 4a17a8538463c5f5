package engine

import "sync"

// CancelledError is returned by a future bound to a Canceller once it
// has been cancelled.
type CancelledError struct {
	Reason error
}

func (e *CancelledError) Error() string {
	if e.Reason == nil {
		return "engine: cancelled"
	}
	return "engine: cancelled: " + e.Reason.Error()
}

func (e *CancelledError) Unwrap() error { return e.Reason }

type cancelState int

const (
	cancelActive cancelState = iota
	cancelCancelled
	cancelAbandoned
)

// Canceller is a cooperative cancellation token: Cancel is idempotent,
// transitions to a terminal cancelled state, and invokes its handler
// at most once. Abandon transitions to a terminal non-cancelling state
// instead. Handlers may be chained via Chain, so cancelling a parent
// propagates to every child registered before the cancel.
type Canceller struct {
	mu       sync.Mutex
	state    cancelState
	reason   error
	handlers []func(error)
}

// NewCanceller returns a fresh, active Canceller.
func NewCanceller() *Canceller {
	return &Canceller{}
}

// OnCancel registers handler to run when Cancel is called. If the
// Canceller is already cancelled, handler runs immediately (inline,
// under no lock) with the recorded reason.
func (c *Canceller) OnCancel(handler func(reason error)) {
	c.mu.Lock()
	if c.state == cancelCancelled {
		reason := c.reason
		c.mu.Unlock()
		handler(reason)
		return
	}
	if c.state == cancelAbandoned {
		c.mu.Unlock()
		return
	}
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// Chain registers child so that cancelling c also cancels child with
// the same reason.
func (c *Canceller) Chain(child *Canceller) {
	c.OnCancel(func(reason error) { child.Cancel(reason) })
}

// Cancel transitions c to the cancelled state and invokes every
// registered handler exactly once. Calling Cancel more than once, or
// after Abandon, has no further effect.
func (c *Canceller) Cancel(reason error) {
	c.mu.Lock()
	if c.state != cancelActive {
		c.mu.Unlock()
		return
	}
	c.state = cancelCancelled
	c.reason = reason
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

// Abandon transitions c to a terminal, non-cancelling state: no
// handler ever fires and subsequent Cancel calls are no-ops. Used when
// the work the Canceller guarded completed normally and the token is
// no longer needed.
func (c *Canceller) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == cancelActive {
		c.state = cancelAbandoned
		c.handlers = nil
	}
}

// Cancelled reports whether Cancel has been called, and the reason if
// so.
func (c *Canceller) Cancelled() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == cancelCancelled, c.reason
}
