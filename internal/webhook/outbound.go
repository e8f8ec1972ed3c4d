package webhook

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/session"
)

// ApplyOutbound folds an event from the controller into the session of its
// call. It is the handler for the outbound subscription; an invalid keypad
// payload is returned as an error and leaves the session untouched.
func (s *Server) ApplyOutbound(ctx context.Context, evt protocol.Event) error {
	log := s.log.WithFields(logrus.Fields{"sid": evt.SID, "type": evt.Type})
	log.Debug("outbound event received")

	if evt.SID == "" {
		return fmt.Errorf("outbound %s event without sid", evt.Type)
	}

	switch evt.Type {
	case protocol.KindInitCall:
		return s.applyInit(ctx, evt)
	case protocol.KindUserSays:
		return s.applyUserSays(ctx, evt)
	default:
		log.Debug("ignoring outbound event")
		return nil
	}
}

func (s *Server) applyInit(ctx context.Context, evt protocol.Event) error {
	if evt.PublicURL == "" {
		return fmt.Errorf("INIT_CALL for %s without public url", evt.SID)
	}
	_, err := s.store.Update(ctx, evt.SID, func(cur *session.Session) (*session.Session, error) {
		if cur == nil {
			cur = session.New()
		}
		cur.PublicURL = protocol.NormalizeBaseURL(evt.PublicURL)
		cur.PublicURLParams = evt.PublicURLParams
		cur.LanguageCode = evt.LanguageCode
		cur.Voice = evt.Voice
		cur.SpeechModel = evt.SpeechModel
		cur.SpeechModelEnhanced = evt.SpeechModelEnhanced
		cur.SpeechTimeout = evt.SpeechTimeout
		cur.ResponseTimeMs = evt.ResponseTimeMs
		if cur.ResponseTimeMs <= 0 {
			cur.ResponseTimeMs = session.DefaultResponseTimeMs
		}
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("initializing session %s: %w", evt.SID, err)
	}
	return nil
}

// applyUserSays queues the utterance, then one playback per media item.
// Inline media is stored on the session and served from the file endpoint.
func (s *Server) applyUserSays(ctx context.Context, evt protocol.Event) error {
	if len(evt.Buttons) > 0 {
		if err := protocol.ValidateDTMF(evt.Buttons[0].Payload); err != nil {
			return err
		}
	}
	for i, m := range evt.Media {
		if m.Base64 == "" && m.MediaURI == "" {
			return fmt.Errorf("media %d of %s has neither content nor uri", i, evt.SID)
		}
		if m.Base64 != "" {
			if _, err := decodeBase64(m.Base64); err != nil {
				return fmt.Errorf("media %d of %s: %w", i, evt.SID, err)
			}
		}
	}

	_, err := s.store.Update(ctx, evt.SID, func(cur *session.Session) (*session.Session, error) {
		if cur == nil {
			cur = session.New()
		}
		if evt.MessageText != "" || len(evt.Buttons) > 0 || evt.PlayURL != "" {
			cur.VoiceActions = append(cur.VoiceActions, session.VoiceAction{
				Type:        evt.Type,
				MessageText: evt.MessageText,
				Buttons:     evt.Buttons,
				PlayURL:     evt.PlayURL,
			})
		}
		for _, m := range evt.Media {
			playURL := m.MediaURI
			if m.Base64 != "" {
				id := s.newID()
				if cur.Files == nil {
					cur.Files = make(map[string]session.MediaAttachment)
				}
				cur.Files[id] = session.MediaAttachment{
					MediaURI: m.MediaURI,
					Base64:   m.Base64,
					MimeType: m.MimeType,
				}
				playURL = cur.FileURL(evt.SID, id)
			}
			cur.VoiceActions = append(cur.VoiceActions, session.VoiceAction{
				Type:    evt.Type,
				PlayURL: playURL,
			})
		}
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("queueing utterance for %s: %w", evt.SID, err)
	}
	return nil
}

func newFileID() string {
	return uuid.NewString()
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 content: %w", err)
	}
	return data, nil
}
