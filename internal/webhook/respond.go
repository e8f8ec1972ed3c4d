package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/sweeney/twilio-ivr-mqtt/internal/markup"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/session"
)

// DefaultSpeechTimeout lets the carrier decide when the speaker is done.
const DefaultSpeechTimeout = "auto"

// respond answers a start or next webhook from the session state. With wait
// set, the session's response time elapses before the state is read, so a
// reply sent by the driver in the meantime makes it into the answer.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, sid string, wait bool) {
	ctx := r.Context()
	log := s.log.WithField("sid", sid)

	sess, err := s.store.Get(ctx, sid)
	if err != nil {
		s.sessionError(w, sid, err)
		return
	}
	if wait && sess.ResponseTimeMs > 0 {
		if err := s.sleep(ctx, time.Duration(sess.ResponseTimeMs)*time.Millisecond); err != nil {
			log.WithError(err).Debug("response delay interrupted")
			return
		}
	}

	doc, err := s.build(ctx, sid)
	if err != nil {
		s.sessionError(w, sid, err)
		return
	}
	if doc == "" {
		log.Warn("session not yet initialized, returning error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	log.WithField("markup", doc).Debug("webhook response created")

	w.Header().Set("Content-Type", markup.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// build drains the pending voice actions of sid and renders them followed by
// a speech gather. It returns an empty document for a session that has not
// been initialized; its pending actions are left in place.
func (s *Server) build(ctx context.Context, sid string) (string, error) {
	var resp markup.Response
	var action string
	var gather markup.Gather

	_, err := s.store.Update(ctx, sid, func(cur *session.Session) (*session.Session, error) {
		if cur == nil {
			return nil, session.ErrNotFound
		}
		if !cur.Initialized() {
			return nil, nil
		}
		resp = markup.Response{}
		for _, va := range cur.VoiceActions {
			render(&resp, cur, va)
		}
		cur.VoiceActions = nil

		action = cur.CallbackURL(protocol.EndpointNext)
		gather = markup.Gather{
			Action:        action,
			Language:      cur.LanguageCode,
			SpeechModel:   cur.SpeechModel,
			Enhanced:      cur.SpeechModelEnhanced,
			SpeechTimeout: string(cur.SpeechTimeout),
		}
		if gather.SpeechTimeout == "" {
			gather.SpeechTimeout = DefaultSpeechTimeout
		}
		return cur, nil
	})
	if err != nil {
		return "", err
	}
	if action == "" {
		return "", nil
	}

	resp.Gather(gather)
	return resp.String()
}

func render(resp *markup.Response, sess *session.Session, va session.VoiceAction) {
	if va.Type != protocol.KindUserSays {
		return
	}
	switch {
	case len(va.Buttons) > 0 && va.Buttons[0].Payload != "":
		resp.PlayDigits(va.Buttons[0].Payload)
	case va.PlayURL != "":
		resp.Play(va.PlayURL)
	case protocol.IsDTMF(va.MessageText):
		resp.PlayDigits(va.MessageText)
	case va.MessageText != "":
		resp.Say(va.MessageText, sess.LanguageCode, sess.Voice)
	}
}
