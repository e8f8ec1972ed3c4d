package carrier

import (
	"context"
	"errors"
	"testing"
)

func TestNewTwilioRequiresCredentials(t *testing.T) {
	if _, err := NewTwilio("", "token"); err == nil {
		t.Error("expected error without account sid")
	}
	if _, err := NewTwilio("AC123", ""); err == nil {
		t.Error("expected error without auth token")
	}
	if _, err := NewTwilio("AC123", "token"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMockCreateCallQueuedFailures(t *testing.T) {
	m := NewMock()
	dialErr := errors.New("dial failed")
	m.FailCreate(dialErr, nil)

	var hooked []string
	m.OnCreate = func(sid string) { hooked = append(hooked, sid) }

	if _, err := m.CreateCall(context.Background(), CallParams{To: "+1"}); !errors.Is(err, dialErr) {
		t.Fatalf("expected queued error, got %v", err)
	}
	sid, err := m.CreateCall(context.Background(), CallParams{To: "+1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hooked) != 1 || hooked[0] != sid {
		t.Errorf("expected OnCreate with %s, got %v", sid, hooked)
	}
	if len(m.Created()) != 2 {
		t.Errorf("expected 2 recorded attempts, got %d", len(m.Created()))
	}
}

func TestMockListMessagesFilters(t *testing.T) {
	m := NewMock()
	m.SetMessages([]SMS{
		{SID: "SM1", To: "+100", Body: "a", Direction: "inbound"},
		{SID: "SM2", To: "+200", Body: "b", Direction: "inbound"},
		{SID: "SM3", To: "+100", Body: "c", Direction: "outbound-api"},
	}, nil)

	got, err := m.ListMessages(context.Background(), MessageFilter{To: "+100", Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages to +100, got %d", len(got))
	}
	if !got[0].Inbound() || got[1].Inbound() {
		t.Errorf("unexpected directions %+v", got)
	}
}
