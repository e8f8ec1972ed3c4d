package pubsub

import (
	"context"
	"sync"
)

// Mock is an in-memory broker that records all publishes for test
// assertions and delivers them to matching subscribers synchronously.
type Mock struct {
	mu       sync.Mutex
	messages []Message
	retained map[string][]byte
	subs     map[string]Handler
	closed   bool
	err      error // if set, Publish and Retain return this error
}

// NewMock creates a new Mock.
func NewMock() *Mock {
	return &Mock{
		retained: make(map[string][]byte),
		subs:     make(map[string]Handler),
	}
}

func (m *Mock) Publish(_ context.Context, topic string, payload []byte) error {
	return m.publish(topic, payload, false)
}

func (m *Mock) Retain(_ context.Context, topic string, payload []byte) error {
	return m.publish(topic, payload, true)
}

func (m *Mock) publish(topic string, payload []byte, retain bool) error {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p, Retained: retain})
	if retain {
		if len(p) == 0 {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = p
		}
	}
	handlers := m.matching(topic)
	m.mu.Unlock()

	// Live deliveries never carry the retained flag, like a real broker.
	for _, h := range handlers {
		h(Message{Topic: topic, Payload: p})
	}
	return nil
}

func (m *Mock) Subscribe(_ context.Context, filter string, h Handler) error {
	m.mu.Lock()
	m.subs[filter] = h
	var replay []Message
	for topic, payload := range m.retained {
		if Match(filter, topic) {
			replay = append(replay, Message{Topic: topic, Payload: payload, Retained: true})
		}
	}
	m.mu.Unlock()

	for _, msg := range replay {
		h(msg)
	}
	return nil
}

func (m *Mock) Unsubscribe(_ context.Context, filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, filter)
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mock) matching(topic string) []Handler {
	var hs []Handler
	for filter, h := range m.subs {
		if Match(filter, topic) {
			hs = append(hs, h)
		}
	}
	return hs
}

// Messages returns a copy of all published messages.
func (m *Mock) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// RetainedPayload returns the retained value of topic, if any.
func (m *Mock) RetainedPayload(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.retained[topic]
	return p, ok
}

// Subscribed reports whether a subscription for filter is active.
func (m *Mock) Subscribed(filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[filter]
	return ok
}

// Reset clears all recorded messages. Retained values are kept.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed returns whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent Publish and Retain calls to return err.
// Pass nil to clear.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
