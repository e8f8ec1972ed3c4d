package carrier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const apiHost = "https://api.twilio.com"

// Twilio implements Client on the Twilio REST API.
type Twilio struct {
	api        *openapi.ApiService
	accountSID string
	authToken  string
	httpClient *http.Client
}

// NewTwilio creates a client for the given account.
func NewTwilio(accountSID, authToken string) (*Twilio, error) {
	if accountSID == "" {
		return nil, fmt.Errorf("twilio account sid is required")
	}
	if authToken == "" {
		return nil, fmt.Errorf("twilio auth token is required")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{
		api:        rest.Api,
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (t *Twilio) CreateCall(ctx context.Context, p CallParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(p.To)
	params.SetFrom(p.From)
	params.SetUrl(p.URL)
	params.SetMethod(http.MethodPost)
	params.SetRecord(p.Record)
	if p.StatusCallback != "" {
		params.SetStatusCallback(p.StatusCallback)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(p.StatusCallbackEvents)
	}

	call, err := t.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("creating call to %s: %w", p.To, err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("creating call to %s: response without sid", p.To)
	}
	return *call.Sid, nil
}

func (t *Twilio) UpdateCallStatus(ctx context.Context, sid, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus(status)
	if _, err := t.api.UpdateCall(sid, params); err != nil {
		return fmt.Errorf("updating call %s to %s: %w", sid, status, err)
	}
	return nil
}

func (t *Twilio) FetchRecording(ctx context.Context, callSID, recordingURL string) (*Recording, error) {
	if recordingURL == "" {
		recs, err := t.api.ListCallRecording(callSID, (&openapi.ListCallRecordingParams{}).SetLimit(1))
		if err != nil {
			return nil, fmt.Errorf("listing recordings of call %s: %w", callSID, err)
		}
		if len(recs) == 0 || recs[0].Uri == nil {
			return nil, fmt.Errorf("call %s has no recording", callSID)
		}
		recordingURL = apiHost + strings.TrimSuffix(*recs[0].Uri, ".json")
	}
	mediaURL := strings.TrimSuffix(recordingURL, ".json")
	if !strings.HasSuffix(mediaURL, ".mp3") && !strings.HasSuffix(mediaURL, ".wav") {
		mediaURL += ".mp3"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading recording %s: %w", mediaURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("downloading recording %s: status %d", mediaURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading recording %s: %w", mediaURL, err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	return &Recording{URL: mediaURL, MimeType: mimeType, Data: data}, nil
}

func (t *Twilio) ListMessages(ctx context.Context, f MessageFilter) ([]SMS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &openapi.ListMessageParams{}
	if f.To != "" {
		params.SetTo(f.To)
	}
	if !f.SentAfter.IsZero() {
		params.SetDateSentAfter(f.SentAfter)
	}
	if f.Limit > 0 {
		params.SetLimit(f.Limit)
	}

	msgs, err := t.api.ListMessage(params)
	if err != nil {
		return nil, fmt.Errorf("listing messages to %s: %w", f.To, err)
	}
	out := make([]SMS, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, SMS{
			SID:       deref(m.Sid),
			From:      deref(m.From),
			To:        deref(m.To),
			Body:      deref(m.Body),
			Direction: deref(m.Direction),
			DateSent:  deref(m.DateSent),
		})
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
