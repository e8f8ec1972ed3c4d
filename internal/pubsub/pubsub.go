// Package pubsub wraps the message broker used to relay events and sessions
// between processes.
package pubsub

import (
	"context"
	"strings"
)

// Message is a single delivered message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler receives messages for a subscription. Handlers for one client are
// called one at a time, in arrival order.
type Handler func(Message)

// Client defines the broker operations the relay needs.
type Client interface {
	// Publish hands payload to the broker connection. It does not wait for
	// the broker to acknowledge delivery.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Retain publishes payload as the retained value of topic. An empty
	// payload clears it. Like Publish it does not wait for acknowledgement.
	Retain(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string, h Handler) error
	Unsubscribe(ctx context.Context, filter string) error
	Close() error
}

// Match reports whether topic matches an MQTT subscription filter.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
