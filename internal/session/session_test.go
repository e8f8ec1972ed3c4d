package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/pubsub"
	"github.com/sweeney/twilio-ivr-mqtt/internal/session"
)

func newSession() *session.Session {
	s := session.New()
	s.PublicURL = "https://h/"
	s.LanguageCode = "en-US"
	return s
}

func appendSays(text string) session.UpdateFunc {
	return func(s *session.Session) (*session.Session, error) {
		if s == nil {
			return nil, session.ErrNotFound
		}
		s.VoiceActions = append(s.VoiceActions, session.VoiceAction{Type: protocol.KindUserSays, MessageText: text})
		return s, nil
	}
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, store session.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "CA1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "CA1", newSession()); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PublicURL != "https://h/" || got.ResponseTimeMs != session.DefaultResponseTimeMs {
		t.Errorf("unexpected session %+v", got)
	}

	// Mutating a returned session must not leak into the store.
	got.VoiceActions = append(got.VoiceActions, session.VoiceAction{MessageText: "leak"})
	again, _ := store.Get(ctx, "CA1")
	if len(again.VoiceActions) != 0 {
		t.Errorf("store shares state with caller: %+v", again.VoiceActions)
	}

	if _, err := store.Update(ctx, "CA1", appendSays("hello")); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ = store.Get(ctx, "CA1")
	if len(again.VoiceActions) != 1 || again.VoiceActions[0].MessageText != "hello" {
		t.Errorf("unexpected voice actions %+v", again.VoiceActions)
	}

	if _, err := store.Update(ctx, "CA2", appendSays("x")); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound from update fn, got %v", err)
	}
	if _, err := store.Get(ctx, "CA2"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("failed update must not create a session")
	}

	if err := store.Delete(ctx, "CA1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "CA1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected session gone after delete, got %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, session.NewMemoryStore())
}

func TestMQTTStoreContract(t *testing.T) {
	store := session.NewMQTTStore(pubsub.NewMock(), "TEST", nil)
	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	storeContract(t, store)
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "CA1", newSession())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(ctx, "CA1", appendSays("x"))
		}()
	}
	wg.Wait()

	s, _ := store.Get(ctx, "CA1")
	if len(s.VoiceActions) != 50 {
		t.Fatalf("expected 50 voice actions, got %d", len(s.VoiceActions))
	}
}

func TestMQTTStorePersistsRetained(t *testing.T) {
	broker := pubsub.NewMock()
	store := session.NewMQTTStore(broker, "TEST", nil)
	ctx := context.Background()
	store.Start(ctx)

	s := newSession()
	s.Files = map[string]session.MediaAttachment{"f1": {Base64: "AAEC", MimeType: "audio/wav"}}
	if err := store.Set(ctx, "CA1", s); err != nil {
		t.Fatalf("set: %v", err)
	}

	payload, ok := broker.RetainedPayload("TEST_SESSION/CA1")
	if !ok {
		t.Fatal("expected retained session")
	}
	var stored session.Session
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("retained payload is not a session: %v", err)
	}
	if stored.PublicURL != "https://h/" || stored.Files["f1"].MimeType != "audio/wav" {
		t.Errorf("unexpected retained session %+v", stored)
	}

	store.Delete(ctx, "CA1")
	if _, ok := broker.RetainedPayload("TEST_SESSION/CA1"); ok {
		t.Error("expected retained session cleared after delete")
	}
}

func TestMQTTStoreHydratesOnStart(t *testing.T) {
	broker := pubsub.NewMock()
	ctx := context.Background()

	first := session.NewMQTTStore(broker, "TEST", nil)
	first.Start(ctx)
	first.Set(ctx, "CA1", newSession())

	restarted := session.NewMQTTStore(broker, "TEST", nil)
	if _, err := restarted.Get(ctx, "CA1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatal("expected empty mirror before start")
	}
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	s, err := restarted.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("expected hydrated session: %v", err)
	}
	if s.LanguageCode != "en-US" {
		t.Errorf("unexpected hydrated session %+v", s)
	}
}

func TestMQTTStoreReportsBrokerFailure(t *testing.T) {
	broker := pubsub.NewMock()
	store := session.NewMQTTStore(broker, "TEST", nil)
	ctx := context.Background()
	store.Start(ctx)

	broker.SetError(errors.New("broker down"))
	if err := store.Set(ctx, "CA1", newSession()); err == nil {
		t.Fatal("expected broker error")
	}
	if _, err := store.Get(ctx, "CA1"); err != nil {
		t.Errorf("mirror should keep the session after a failed write: %v", err)
	}
}

// stallingBroker holds every retained write until release is closed.
type stallingBroker struct {
	*pubsub.Mock
	release chan struct{}
	held    chan string
}

func (b *stallingBroker) Retain(ctx context.Context, topic string, payload []byte) error {
	b.held <- topic
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Mock.Retain(ctx, topic, payload)
}

func TestMQTTStoreReadsDoNotWaitForBroker(t *testing.T) {
	mock := pubsub.NewMock()
	ctx := context.Background()
	seed := session.NewMQTTStore(mock, "TEST", nil)
	seed.Start(ctx)
	seed.Set(ctx, "CA2", newSession())

	broker := &stallingBroker{Mock: mock, release: make(chan struct{}), held: make(chan string, 4)}
	store := session.NewMQTTStore(broker, "TEST", nil)
	if err := store.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- store.Set(ctx, "CA1", newSession()) }()
	if topic := <-broker.held; topic != "TEST_SESSION/CA1" {
		t.Fatalf("unexpected write to %s", topic)
	}

	read := make(chan error, 1)
	go func() {
		if _, err := store.Get(ctx, "CA2"); err != nil {
			read <- err
			return
		}
		_, err := store.Get(ctx, "CA1")
		read <- err
	}()
	select {
	case err := <-read:
		if err != nil {
			t.Errorf("get during pending write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("get blocked behind a pending broker write")
	}

	close(broker.release)
	if err := <-done; err != nil {
		t.Errorf("set: %v", err)
	}
	if _, ok := mock.RetainedPayload("TEST_SESSION/CA1"); !ok {
		t.Error("expected session persisted once the broker caught up")
	}
}

func TestMQTTStoreWritesInOrder(t *testing.T) {
	broker := pubsub.NewMock()
	store := session.NewMQTTStore(broker, "TEST", nil)
	ctx := context.Background()
	store.Start(ctx)
	store.Set(ctx, "CA1", newSession())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(ctx, "CA1", appendSays("x"))
		}()
	}
	wg.Wait()

	payload, _ := broker.RetainedPayload("TEST_SESSION/CA1")
	var stored session.Session
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored.VoiceActions) != 20 {
		t.Errorf("expected retained copy to hold the last update, got %d actions", len(stored.VoiceActions))
	}
}

func TestSessionURLs(t *testing.T) {
	s := newSession()
	s.PublicURLParams = &protocol.QueryParams{Raw: "key=1"}

	if got := s.CallbackURL(protocol.EndpointNext); got != "https://h/twilio-ivr/next?key=1" {
		t.Errorf("unexpected callback url %q", got)
	}
	if got := s.FileURL("CA1", "f1"); got != "https://h/twilio-ivr/file/CA1/f1?key=1" {
		t.Errorf("unexpected file url %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := newSession()
	s.PublicURLParams = &protocol.QueryParams{Values: map[string]string{"a": "1"}}
	s.VoiceActions = []session.VoiceAction{{Buttons: []protocol.Button{{Payload: "1"}}}}
	s.Files = map[string]session.MediaAttachment{"f": {Base64: "x"}}

	c := s.Clone()
	c.PublicURLParams.Values["a"] = "2"
	c.VoiceActions[0].Buttons[0].Payload = "2"
	c.Files["g"] = session.MediaAttachment{}

	if s.PublicURLParams.Values["a"] != "1" || s.VoiceActions[0].Buttons[0].Payload != "1" || len(s.Files) != 1 {
		t.Errorf("clone shares state with original: %+v", s)
	}
}
