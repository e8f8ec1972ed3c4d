// Package protocol defines the events, endpoints and channel names shared by
// the webhook receiver and the call controller.
package protocol

// Kind identifies the type of an Event.
type Kind string

// Controller -> webhook receiver ("outbound").
const (
	KindInitCall Kind = "INIT_CALL"
	KindUserSays Kind = "USER_SAYS"
)

// Webhook receiver -> controller ("inbound").
const (
	KindBotSays       Kind = "BOT_SAYS"
	KindCallStarted   Kind = "CALL_STARTED"
	KindCallFailed    Kind = "CALL_FAILED"
	KindCallCompleted Kind = "CALL_COMPLETED"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInitCall, KindUserSays, KindBotSays, KindCallStarted, KindCallFailed, KindCallCompleted:
		return true
	}
	return false
}

// Terminal reports whether k ends a call.
func (k Kind) Terminal() bool {
	return k == KindCallFailed || k == KindCallCompleted
}

// Button is a keypad payload attached to an utterance.
type Button struct {
	Payload string `json:"payload"`
}

// Media is a media payload attached to an utterance. Either Base64 carries
// the bytes inline, or MediaURI points somewhere the carrier can fetch it.
type Media struct {
	MediaURI string `json:"mediaUri,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Event is the directionless wire shape carried by both transports. The
// direction is implied by the channel it travels on.
type Event struct {
	SID  string `json:"sid"`
	Type Kind   `json:"type"`

	// INIT_CALL
	PublicURL           string        `json:"publicUrl,omitempty"`
	PublicURLParams     *QueryParams  `json:"publicUrlParams,omitempty"`
	LanguageCode        string        `json:"languageCode,omitempty"`
	Voice               string        `json:"voice,omitempty"`
	SpeechModel         string        `json:"speechModel,omitempty"`
	SpeechModelEnhanced bool          `json:"speechModelEnhanced,omitempty"`
	SpeechTimeout       SpeechTimeout `json:"speechTimeout,omitempty"`
	ResponseTimeMs      int           `json:"responseTimeMs,omitempty"`

	// USER_SAYS
	MessageText string   `json:"messageText,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`
	PlayURL     string   `json:"playUrl,omitempty"`
	Media       []Media  `json:"media,omitempty"`

	// BOT_SAYS
	BotSays string `json:"botSays,omitempty"`

	// CALL_COMPLETED
	RecordingURL string `json:"recordingUrl,omitempty"`

	// Raw webhook parameters behind an inbound event.
	SourceData map[string]string `json:"sourceData,omitempty"`
}
