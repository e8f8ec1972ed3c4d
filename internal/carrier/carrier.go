// Package carrier is the telephony provider API used to originate and end
// calls, fetch call recordings and list received SMS.
package carrier

import (
	"context"
	"time"
)

// Call statuses reported by the carrier.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// CallParams describes an outbound call.
type CallParams struct {
	To                   string
	From                 string
	URL                  string // answer webhook
	StatusCallback       string
	StatusCallbackEvents []string
	Record               bool
}

// Recording is a downloaded call recording.
type Recording struct {
	URL      string
	MimeType string
	Data     []byte
}

// MessageFilter selects SMS to list.
type MessageFilter struct {
	To        string
	SentAfter time.Time
	Limit     int
}

// SMS is a text message known to the carrier.
type SMS struct {
	SID       string
	From      string
	To        string
	Body      string
	Direction string
	DateSent  string
}

// Inbound reports whether the message was received by the account.
func (m SMS) Inbound() bool {
	return m.Direction == "inbound"
}

// Client is the subset of the carrier API the call controller needs.
type Client interface {
	CreateCall(ctx context.Context, p CallParams) (sid string, err error)
	UpdateCallStatus(ctx context.Context, sid, status string) error
	// FetchRecording downloads the recording at recordingURL, or the first
	// recording of the call when recordingURL is empty.
	FetchRecording(ctx context.Context, callSID, recordingURL string) (*Recording, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]SMS, error)
}
