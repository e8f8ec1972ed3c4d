package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/pubsub"
)

// MQTTStore persists each session as the retained message of its own topic,
// so a restarted proxy picks up calls that are still in progress. Reads are
// served from a local mirror; the broker copy is written through on every
// change.
//
// The mirror is only hydrated from retained messages replayed at subscribe
// time. Live messages, including echoes of this store's own writes, are
// ignored, so a single proxy process owns a given topic base.
type MQTTStore struct {
	client    pubsub.Client
	topicBase string
	log       *logrus.Entry

	// writes orders mutations and their broker writes. mu guards only the
	// mirror, so reads never wait on the broker.
	writes sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMQTTStore(client pubsub.Client, topicBase string, log *logrus.Entry) *MQTTStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MQTTStore{
		client:    client,
		topicBase: topicBase,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// Start subscribes to the session topics and loads retained sessions.
func (m *MQTTStore) Start(ctx context.Context) error {
	return m.client.Subscribe(ctx, protocol.SessionTopic(m.topicBase, "+"), m.hydrate)
}

// Stop drops the session subscription. The retained copies stay on the broker.
func (m *MQTTStore) Stop(ctx context.Context) error {
	return m.client.Unsubscribe(ctx, protocol.SessionTopic(m.topicBase, "+"))
}

func (m *MQTTStore) hydrate(msg pubsub.Message) {
	if !msg.Retained {
		return
	}
	sid := msg.Topic[strings.LastIndex(msg.Topic, "/")+1:]
	if sid == "" || len(msg.Payload) == 0 {
		return
	}
	var s Session
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		m.log.WithError(err).WithField("sid", sid).Warn("dropping unreadable retained session")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sid]; !ok {
		m.sessions[sid] = &s
		m.log.WithField("sid", sid).Debug("restored session from broker")
	}
}

func (m *MQTTStore) Get(_ context.Context, sid string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sid]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MQTTStore) Set(ctx context.Context, sid string, s *Session) error {
	m.writes.Lock()
	defer m.writes.Unlock()

	m.mu.Lock()
	m.sessions[sid] = s.Clone()
	m.mu.Unlock()
	return m.persist(ctx, sid, s)
}

func (m *MQTTStore) Delete(ctx context.Context, sid string) error {
	m.writes.Lock()
	defer m.writes.Unlock()

	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()

	if err := m.client.Retain(ctx, protocol.SessionTopic(m.topicBase, sid), nil); err != nil {
		return fmt.Errorf("clearing session %s: %w", sid, err)
	}
	return nil
}

func (m *MQTTStore) Update(ctx context.Context, sid string, fn UpdateFunc) (*Session, error) {
	m.writes.Lock()
	defer m.writes.Unlock()

	m.mu.Lock()
	next, err := fn(m.sessions[sid].Clone())
	if err != nil || next == nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[sid] = next.Clone()
	m.mu.Unlock()

	if err := m.persist(ctx, sid, next); err != nil {
		return next, err
	}
	return next, nil
}

// persist writes s to the broker after the mirror has been updated. A failed
// broker write leaves the mirror authoritative and is reported to the caller.
func (m *MQTTStore) persist(ctx context.Context, sid string, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", sid, err)
	}
	if err := m.client.Retain(ctx, protocol.SessionTopic(m.topicBase, sid), data); err != nil {
		return fmt.Errorf("persisting session %s: %w", sid, err)
	}
	return nil
}
