package pubsub

import (
	"context"
	"errors"
	"testing"
)

func TestMockPublishAndMessages(t *testing.T) {
	m := NewMock()

	if err := m.Publish(context.Background(), "topic/a", []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Publish(context.Background(), "topic/b", []byte("world")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "topic/a" || string(msgs[0].Payload) != "hello" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Topic != "topic/b" || string(msgs[1].Payload) != "world" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}
}

func TestMockPayloadIsCopied(t *testing.T) {
	m := NewMock()

	payload := []byte("original")
	if err := m.Publish(context.Background(), "t", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload[0] = 'X'

	msgs := m.Messages()
	if string(msgs[0].Payload) != "original" {
		t.Errorf("payload was not copied, got %q", msgs[0].Payload)
	}
}

func TestMockDeliversInOrder(t *testing.T) {
	m := NewMock()
	var got []string
	m.Subscribe(context.Background(), "calls/+", func(msg Message) {
		got = append(got, string(msg.Payload))
	})

	m.Publish(context.Background(), "calls/a", []byte("1"))
	m.Publish(context.Background(), "other/a", []byte("x"))
	m.Publish(context.Background(), "calls/b", []byte("2"))

	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestMockRetainedReplay(t *testing.T) {
	m := NewMock()
	m.Retain(context.Background(), "s/a", []byte("A"))
	m.Retain(context.Background(), "s/b", []byte("B"))
	m.Retain(context.Background(), "s/b", nil)

	var got []Message
	m.Subscribe(context.Background(), "s/+", func(msg Message) {
		got = append(got, msg)
	})

	if len(got) != 1 {
		t.Fatalf("expected 1 retained replay, got %d", len(got))
	}
	if got[0].Topic != "s/a" || !got[0].Retained {
		t.Errorf("unexpected replay %+v", got[0])
	}

	m.Retain(context.Background(), "s/c", []byte("C"))
	if len(got) != 2 || got[1].Retained {
		t.Errorf("expected live delivery without retained flag, got %+v", got)
	}
}

func TestMockUnsubscribe(t *testing.T) {
	m := NewMock()
	calls := 0
	m.Subscribe(context.Background(), "t", func(Message) { calls++ })
	if !m.Subscribed("t") {
		t.Fatal("expected subscription")
	}
	m.Unsubscribe(context.Background(), "t")
	m.Publish(context.Background(), "t", []byte("x"))
	if calls != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", calls)
	}
}

func TestMockReset(t *testing.T) {
	m := NewMock()
	m.Publish(context.Background(), "t", []byte("x"))
	m.Reset()

	if len(m.Messages()) != 0 {
		t.Errorf("expected 0 messages after reset, got %d", len(m.Messages()))
	}
}

func TestMockClose(t *testing.T) {
	m := NewMock()
	if m.Closed() {
		t.Fatal("expected not closed initially")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Closed() {
		t.Fatal("expected closed after Close()")
	}
}

func TestMockSetError(t *testing.T) {
	m := NewMock()
	testErr := errors.New("broker down")
	m.SetError(testErr)

	err := m.Publish(context.Background(), "t", []byte("x"))
	if !errors.Is(err, testErr) {
		t.Fatalf("expected %v, got %v", testErr, err)
	}

	if len(m.Messages()) != 0 {
		t.Errorf("expected 0 messages after error, got %d", len(m.Messages()))
	}

	m.SetError(nil)
	if err := m.Publish(context.Background(), "t", []byte("y")); err != nil {
		t.Fatalf("unexpected error after clearing: %v", err)
	}
	if len(m.Messages()) != 1 {
		t.Errorf("expected 1 message after clearing error, got %d", len(m.Messages()))
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"#", "x", true},
		{"a/b", "a/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, c := range cases {
		if got := Match(c.filter, c.topic); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}
