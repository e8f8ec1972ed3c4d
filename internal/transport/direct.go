package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
)

// Direct delivers events by calling the subscribed handlers in the sending
// goroutine. Sends are serialized, so handlers observe send order.
type Direct struct {
	send sync.Mutex

	mu       sync.Mutex
	next     int
	handlers []registration
}

type registration struct {
	id int
	h  Handler
}

func NewDirect() *Direct {
	return &Direct{}
}

// Send runs every handler and returns their errors joined.
func (d *Direct) Send(ctx context.Context, evt protocol.Event) error {
	d.send.Lock()
	defer d.send.Unlock()

	d.mu.Lock()
	handlers := make([]registration, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	var errs []error
	for _, r := range handlers {
		if err := r.h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Direct) Subscribe(h Handler) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	id := d.next
	d.handlers = append(d.handlers, registration{id: id, h: h})
	return func() { d.remove(id) }, nil
}

func (d *Direct) remove(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.handlers {
		if r.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}
