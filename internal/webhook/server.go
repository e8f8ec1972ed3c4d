// Package webhook answers the carrier's call webhooks from session state and
// relays what the carrier reports back to the call controller.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/carrier"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/session"
	"github.com/sweeney/twilio-ivr-mqtt/internal/transport"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Server handles the carrier webhooks for any number of concurrent calls.
type Server struct {
	store   session.Store
	inbound transport.Sender
	log     *logrus.Entry
	sleep   SleepFunc
	newID   func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) { s.log = log }
}

// WithSleep replaces the response delay timer.
func WithSleep(fn SleepFunc) Option {
	return func(s *Server) { s.sleep = fn }
}

// WithFileIDs replaces the media file id generator.
func WithFileIDs(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

// New creates a Server reading sessions from store and emitting inbound
// events on inbound.
func New(store session.Store, inbound transport.Sender, opts ...Option) *Server {
	s := &Server{
		store:   store,
		inbound: inbound,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		sleep:   sleep,
		newID:   newFileID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the webhook routes mounted under base.
func (s *Server) Handler(base string) http.Handler {
	r := mux.NewRouter()
	s.Register(r, base)
	return r
}

// Register adds the webhook routes under base to r.
func (s *Server) Register(r *mux.Router, base string) {
	if base == "" {
		base = "/"
	}
	base = protocol.NormalizeBaseURL(base)

	r.HandleFunc(base+protocol.EndpointStart, s.handleStart).Methods(http.MethodPost)
	r.HandleFunc(base+protocol.EndpointNext, s.handleNext).Methods(http.MethodPost)
	r.HandleFunc(base+protocol.EndpointStatus, s.handleStatus).Methods(http.MethodPost)
	r.HandleFunc(base+protocol.EndpointFile+"/{sid}/{fileID}", s.handleFile).Methods(http.MethodGet)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	form, ok := s.readForm(w, r)
	if !ok {
		return
	}
	sid := form["CallSid"]
	s.log.WithFields(logrus.Fields{"sid": sid, "status": form["CallStatus"]}).Debug("start webhook")

	s.respond(w, r, sid, false)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	form, ok := s.readForm(w, r)
	if !ok {
		return
	}
	sid := form["CallSid"]
	speech := form["SpeechResult"]
	s.log.WithFields(logrus.Fields{"sid": sid, "status": form["CallStatus"], "speech": speech}).Debug("next webhook")

	if speech == "" {
		s.respond(w, r, sid, false)
		return
	}

	if _, err := s.store.Get(r.Context(), sid); err != nil {
		s.sessionError(w, sid, err)
		return
	}
	s.emit(r.Context(), protocol.Event{
		SID:        sid,
		Type:       protocol.KindBotSays,
		BotSays:    speech,
		SourceData: form,
	})
	s.respond(w, r, sid, true)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	form, ok := s.readForm(w, r)
	if !ok {
		return
	}
	sid := form["CallSid"]
	status := form["CallStatus"]
	log := s.log.WithFields(logrus.Fields{"sid": sid, "status": status})
	log.Debug("status webhook")

	evt := protocol.Event{SID: sid, SourceData: form}
	switch status {
	case carrier.StatusCompleted:
		evt.Type = protocol.KindCallCompleted
		evt.RecordingURL = form["RecordingUrl"]
	case carrier.StatusBusy, carrier.StatusFailed, carrier.StatusNoAnswer:
		evt.Type = protocol.KindCallFailed
	case carrier.StatusInProgress:
		evt.Type = protocol.KindCallStarted
	}

	if evt.Type.Terminal() {
		if err := s.store.Delete(r.Context(), sid); err != nil {
			log.WithError(err).Warn("deleting session failed")
		}
	}
	if evt.Type != "" {
		s.emit(r.Context(), evt)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sid, fileID := vars["sid"], vars["fileID"]
	log := s.log.WithFields(logrus.Fields{"sid": sid, "file": fileID})

	sess, err := s.store.Get(r.Context(), sid)
	if err != nil {
		log.WithError(err).Debug("file requested for unknown session")
		http.NotFound(w, r)
		return
	}
	file, ok := sess.Files[fileID]
	if !ok {
		log.Debug("unknown file requested")
		http.NotFound(w, r)
		return
	}
	data, err := decodeBase64(file.Base64)
	if err != nil {
		log.WithError(err).Error("stored file is not valid base64")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	mime := file.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// emit hands an inbound event to the transport. Failures never reach the
// carrier: the webhook still gets its answer.
func (s *Server) emit(ctx context.Context, evt protocol.Event) {
	if err := s.inbound.Send(ctx, evt); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"sid": evt.SID, "type": evt.Type}).Warn("emitting inbound event failed")
	}
}

func (s *Server) sessionError(w http.ResponseWriter, sid string, err error) {
	log := s.log.WithField("sid", sid)
	if errors.Is(err, session.ErrNotFound) {
		log.Warn("no session for call, returning error")
	} else {
		log.WithError(err).Error("reading session failed")
	}
	w.WriteHeader(http.StatusInternalServerError)
}

// readForm accepts the carrier's form posts as well as JSON objects.
func (s *Server) readForm(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	form := make(map[string]string)

	if ct == "application/json" {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.log.WithError(err).Warn("invalid json webhook body")
			http.Error(w, "invalid body", http.StatusBadRequest)
			return nil, false
		}
		for k, v := range body {
			if str, ok := v.(string); ok {
				form[k] = str
			} else if v != nil {
				form[k] = strings.TrimSpace(fmt.Sprint(v))
			}
		}
		return form, true
	}

	if err := r.ParseForm(); err != nil {
		s.log.WithError(err).Warn("invalid webhook form")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return nil, false
	}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	return form, true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
