package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/pubsub"
)

// Relay carries JSON encoded events over one broker topic. Events from all
// calls share the topic and are told apart by their sid.
//
// Publishing is best effort: broker failures are logged, never returned.
type Relay struct {
	client  pubsub.Client
	topic   string
	log     *logrus.Entry
	timeout time.Duration

	mu         sync.Mutex
	next       int
	handlers   []registration
	subscribed bool
}

// DefaultBrokerTimeout bounds each broker call made by a Relay.
const DefaultBrokerTimeout = 5 * time.Second

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithBrokerTimeout bounds publish, subscribe and unsubscribe calls.
func WithBrokerTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.timeout = d }
}

func NewRelay(client pubsub.Client, topic string, log *logrus.Entry, opts ...RelayOption) *Relay {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Relay{
		client:  client,
		topic:   topic,
		log:     log.WithField("topic", topic),
		timeout: DefaultBrokerTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Send(ctx context.Context, evt protocol.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", evt.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.topic, data); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"sid": evt.SID, "type": evt.Type}).Warn("publishing event failed")
		return nil
	}
	r.log.WithFields(logrus.Fields{"sid": evt.SID, "type": evt.Type}).Debug("published event")
	return nil
}

// Subscribe registers h. The broker subscription is created with the first
// handler and dropped with the last.
func (r *Relay) Subscribe(h Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.client.Subscribe(ctx, r.topic, r.deliver); err != nil {
			return nil, err
		}
		r.subscribed = true
	}
	r.next++
	id := r.next
	r.handlers = append(r.handlers, registration{id: id, h: h})
	return func() { r.remove(id) }, nil
}

func (r *Relay) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.handlers {
		if reg.id == id {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			break
		}
	}
	if len(r.handlers) == 0 && r.subscribed {
		r.subscribed = false
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.client.Unsubscribe(ctx, r.topic); err != nil {
			r.log.WithError(err).Warn("unsubscribing failed")
		}
	}
}

func (r *Relay) deliver(msg pubsub.Message) {
	var evt protocol.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		r.log.WithError(err).Warnf("dropping non-json message: %q", msg.Payload)
		return
	}
	if !evt.Type.Valid() || evt.SID == "" {
		r.log.Warnf("dropping message without sid or known type: %q", msg.Payload)
		return
	}

	r.mu.Lock()
	handlers := make([]registration, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	ctx := context.Background()
	for _, reg := range handlers {
		if err := reg.h(ctx, evt); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"sid": evt.SID, "type": evt.Type}).Warn("handling event failed")
		}
	}
}
