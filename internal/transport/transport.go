// Package transport delivers protocol events from one side of the call
// protocol to the other. Each value covers one direction; composition code
// picks Direct when both sides share a process and Relay when they don't.
package transport

import (
	"context"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
)

// Handler consumes a delivered event.
type Handler func(ctx context.Context, evt protocol.Event) error

// Sender hands an event to the other side.
type Sender interface {
	Send(ctx context.Context, evt protocol.Event) error
}

// Subscriber registers handlers for events sent by the other side. The
// returned cancel func removes the handler.
type Subscriber interface {
	Subscribe(h Handler) (cancel func(), err error)
}

// Transport is one direction of the event channel.
type Transport interface {
	Sender
	Subscriber
}
