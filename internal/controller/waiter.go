package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
)

// waiter is a one-shot listener for the first inbound event of one of its
// kinds on the tracked call.
type waiter struct {
	kinds []protocol.Kind
	ch    chan protocol.Event
}

func (w *waiter) wants(k protocol.Kind) bool {
	for _, want := range w.kinds {
		if want == k {
			return true
		}
	}
	return false
}

// expectLocked registers a waiter. Register before the action that triggers
// the event, so a synchronous transport cannot deliver it first.
func (c *Controller) expectLocked(kinds ...protocol.Kind) *waiter {
	w := &waiter{kinds: kinds, ch: make(chan protocol.Event, 1)}
	c.waiters = append(c.waiters, w)
	return w
}

// resolveLocked fires and removes every waiter matching evt.
func (c *Controller) resolveLocked(evt protocol.Event) {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.wants(evt.Type) {
			w.ch <- evt
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

func (c *Controller) drop(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// await blocks until w fires, timeout elapses or ctx is done. The waiter is
// removed on every path.
func (c *Controller) await(ctx context.Context, w *waiter, timeout time.Duration) (protocol.Event, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case evt := <-w.ch:
		return evt, nil
	case <-t.C:
		c.drop(w)
		return protocol.Event{}, fmt.Errorf("%w: no %v within %s", ErrTimeout, w.kinds, timeout)
	case <-ctx.Done():
		c.drop(w)
		return protocol.Event{}, ctx.Err()
	}
}

// pending returns the number of registered waiters.
func (c *Controller) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
