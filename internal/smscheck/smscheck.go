// Package smscheck verifies that text messages arrived at a number during a
// conversation.
package smscheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/twilio-ivr-mqtt/internal/carrier"
)

// Limit is the number of most recent messages inspected.
const Limit = 10

// ErrNoMatch is wrapped when an expected message was not received.
var ErrNoMatch = errors.New("expected SMS not received")

// Lister lists messages known to the carrier.
type Lister interface {
	ListMessages(ctx context.Context, f carrier.MessageFilter) ([]carrier.SMS, error)
}

// Check lists the inbound messages sent to receiver after since. Every
// pattern must be found, case-insensitively, in at least one body. Without
// patterns any message satisfies the check. The inspected messages are
// returned even when the check fails.
func Check(ctx context.Context, l Lister, receiver string, since time.Time, patterns []string) ([]carrier.SMS, error) {
	msgs, err := l.ListMessages(ctx, carrier.MessageFilter{
		To:        receiver,
		SentAfter: since,
		Limit:     Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing received SMS: %w", err)
	}

	inbound := make([]carrier.SMS, 0, len(msgs))
	for _, m := range msgs {
		if m.Inbound() {
			inbound = append(inbound, m)
		}
	}

	stamp := since.Format(time.RFC3339)
	if len(patterns) == 0 {
		if len(inbound) == 0 {
			return inbound, fmt.Errorf("%w: none for %s since %s", ErrNoMatch, receiver, stamp)
		}
		return inbound, nil
	}
	for _, p := range patterns {
		if !anyMatch(inbound, p) {
			return inbound, fmt.Errorf("%w: none matching %q for %s since %s", ErrNoMatch, p, receiver, stamp)
		}
	}
	return inbound, nil
}

func anyMatch(msgs []carrier.SMS, pattern string) bool {
	want := strings.ToLower(pattern)
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Body), want) {
			return true
		}
	}
	return false
}
