// Package session holds the per-call state shared by independent webhook
// requests and the outbound event subscriber.
package session

import (
	"context"
	"errors"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
)

// DefaultResponseTimeMs is used when INIT_CALL does not carry a response time.
const DefaultResponseTimeMs = 5000

// ErrNotFound is returned for an unknown call id.
var ErrNotFound = errors.New("session not found")

// VoiceAction is a pending utterance or media playback.
type VoiceAction struct {
	Type        protocol.Kind     `json:"type"`
	MessageText string            `json:"messageText,omitempty"`
	Buttons     []protocol.Button `json:"buttons,omitempty"`
	PlayURL     string            `json:"playUrl,omitempty"`
}

// MediaAttachment is a media payload waiting to be fetched by the carrier.
type MediaAttachment struct {
	MediaURI string `json:"mediaUri,omitempty"`
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

// Session is the state of one call, keyed by the carrier call id.
type Session struct {
	PublicURL           string                     `json:"publicUrl"`
	PublicURLParams     *protocol.QueryParams      `json:"publicUrlParams,omitempty"`
	LanguageCode        string                     `json:"languageCode"`
	Voice               string                     `json:"voice,omitempty"`
	SpeechModel         string                     `json:"speechModel,omitempty"`
	SpeechModelEnhanced bool                       `json:"speechModelEnhanced,omitempty"`
	SpeechTimeout       protocol.SpeechTimeout     `json:"speechTimeout,omitempty"`
	ResponseTimeMs      int                        `json:"responseTimeMs"`
	VoiceActions        []VoiceAction              `json:"voiceActions"`
	Files               map[string]MediaAttachment `json:"files,omitempty"`
}

// New returns an uninitialized session with default timing.
func New() *Session {
	return &Session{ResponseTimeMs: DefaultResponseTimeMs}
}

// Initialized reports whether INIT_CALL has been applied.
func (s *Session) Initialized() bool {
	return s.PublicURL != "" && s.LanguageCode != ""
}

// CallbackURL returns the public URL of endpoint for this session.
func (s *Session) CallbackURL(endpoint string) string {
	return protocol.CallbackURL(s.PublicURL, endpoint, s.PublicURLParams)
}

// FileURL returns the retrieval URL of a stored attachment.
func (s *Session) FileURL(sid, fileID string) string {
	return s.CallbackURL(protocol.EndpointFile + "/" + sid + "/" + fileID)
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.PublicURLParams != nil {
		p := *s.PublicURLParams
		if p.Values != nil {
			p.Values = make(map[string]string, len(s.PublicURLParams.Values))
			for k, v := range s.PublicURLParams.Values {
				p.Values[k] = v
			}
		}
		c.PublicURLParams = &p
	}
	if s.VoiceActions != nil {
		c.VoiceActions = make([]VoiceAction, len(s.VoiceActions))
		for i, va := range s.VoiceActions {
			if va.Buttons != nil {
				va.Buttons = append([]protocol.Button(nil), va.Buttons...)
			}
			c.VoiceActions[i] = va
		}
	}
	if s.Files != nil {
		c.Files = make(map[string]MediaAttachment, len(s.Files))
		for k, v := range s.Files {
			c.Files[k] = v
		}
	}
	return &c
}

// UpdateFunc receives the current session, or nil if there is none, and
// returns the session to store. Returning nil stores nothing.
type UpdateFunc func(*Session) (*Session, error)

// Store maps call ids to sessions. Set is a full overwrite; callers that
// need to mutate a session use Update so that read, modify and write happen
// as one unit of work.
type Store interface {
	Get(ctx context.Context, sid string) (*Session, error)
	Set(ctx context.Context, sid string, s *Session) error
	Delete(ctx context.Context, sid string) error
	Update(ctx context.Context, sid string, fn UpdateFunc) (*Session, error)
}
