// Package controller drives one phone call through its lifecycle: it places
// the call, hands the carrier-facing parameters to the webhook receiver,
// relays utterances in both directions and hangs up.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/carrier"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/transport"
)

const (
	DefaultRedial          = 3
	DefaultStartTimeout    = 60 * time.Second
	DefaultCompleteTimeout = 30 * time.Second

	recordingTimeout = 2 * time.Minute
)

var (
	// ErrNotActive is returned when an operation needs an active call.
	ErrNotActive = errors.New("call is not active")
	// ErrBusy is returned by Start while a call is in progress.
	ErrBusy = errors.New("call already in progress")
	// ErrTimeout is returned when a confirmation event does not arrive.
	ErrTimeout = errors.New("timed out waiting for call event")
)

// statusEvents are the call progress events the carrier reports back.
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// Config holds the call parameters.
type Config struct {
	From                string
	To                  string
	PublicURL           string
	PublicURLParams     *protocol.QueryParams
	LanguageCode        string
	Voice               string
	SpeechModel         string
	SpeechModelEnhanced bool
	SpeechTimeout       string
	ResponseTime        time.Duration
	Redial              int
	StartTimeout        time.Duration
	CompleteTimeout     time.Duration
	Record              bool
}

func (c *Config) validate() error {
	if c.To == "" {
		return fmt.Errorf("call destination is required")
	}
	if c.From == "" {
		return fmt.Errorf("caller number is required")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("public url is required")
	}
	if c.LanguageCode == "" {
		return fmt.Errorf("language code is required")
	}
	if c.Redial <= 0 {
		c.Redial = DefaultRedial
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = DefaultCompleteTimeout
	}
	return nil
}

// Attachment is a binary payload delivered with a message.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Message is an utterance exchanged with the conversation driver.
type Message struct {
	Sender      string
	MessageText string
	Buttons     []protocol.Button
	Media       []protocol.Media
	SourceData  map[string]string
	Attachments []Attachment
}

// Driver receives what the other end of the call said. BotSays runs on the
// transport's delivery goroutine and must not block.
type Driver interface {
	BotSays(msg Message)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(msg Message)

func (f DriverFunc) BotSays(msg Message) { f(msg) }

// Controller owns a single call at a time. Independent controllers share
// nothing and may run in the same process.
type Controller struct {
	cfg      Config
	carrier  carrier.Client
	outbound transport.Sender
	inbound  transport.Subscriber
	driver   Driver
	log      *logrus.Entry

	mu          sync.Mutex
	state       State
	sid         string
	accepting   bool
	waiters     []*waiter
	unsubscribe func()

	fetches sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) { c.log = log }
}

// New creates a controller. Missing call parameters are reported here.
func New(cfg Config, cc carrier.Client, outbound transport.Sender, inbound transport.Subscriber, driver Driver, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid call config: %w", err)
	}
	if cc == nil || outbound == nil || inbound == nil || driver == nil {
		return nil, fmt.Errorf("carrier, transports and driver are required")
	}
	c := &Controller{
		cfg:      cfg,
		carrier:  cc,
		outbound: outbound,
		inbound:  inbound,
		driver:   driver,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SID returns the carrier id of the tracked call, or "" when there is none.
func (c *Controller) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Start places the call and blocks until the carrier reports it answered.
// Each failed attempt is cleaned up and retried up to the configured redial
// count; the last error is returned once all attempts are used.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanStart() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, state)
	}
	c.state = Dialing
	c.sid = ""
	c.mu.Unlock()

	if err := c.subscribe(); err != nil {
		c.setState(Failed)
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Redial; attempt++ {
		log := c.log.WithFields(logrus.Fields{"attempt": attempt, "to": c.cfg.To})
		log.Info("placing call")

		sid, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.state = Active
			c.mu.Unlock()
			log.WithField("sid", sid).Info("call started")
			return nil
		}
		lastErr = err
		log.WithError(err).Warn("call attempt failed")

		if ctx.Err() != nil {
			break
		}
		c.setState(Dialing)
	}

	c.setState(Failed)
	c.stopAccepting()
	return fmt.Errorf("starting call to %s: %w", c.cfg.To, lastErr)
}

// dial runs one origination attempt.
func (c *Controller) dial(ctx context.Context) (string, error) {
	sid, err := c.carrier.CreateCall(ctx, carrier.CallParams{
		To:                   c.cfg.To,
		From:                 c.cfg.From,
		URL:                  protocol.CallbackURL(c.cfg.PublicURL, protocol.EndpointStart, c.cfg.PublicURLParams),
		StatusCallback:       protocol.CallbackURL(c.cfg.PublicURL, protocol.EndpointStatus, c.cfg.PublicURLParams),
		StatusCallbackEvents: statusEvents,
		Record:               c.cfg.Record,
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sid = sid
	w := c.expectLocked(protocol.KindCallStarted, protocol.KindCallFailed, protocol.KindCallCompleted)
	c.mu.Unlock()

	err = c.outbound.Send(ctx, c.initEvent(sid))
	if err != nil {
		c.drop(w)
		err = fmt.Errorf("initializing call %s: %w", sid, err)
	} else {
		var evt protocol.Event
		evt, err = c.await(ctx, w, c.cfg.StartTimeout)
		if err == nil && evt.Type != protocol.KindCallStarted {
			err = fmt.Errorf("call %s ended before it started: %s", sid, evt.Type)
		}
	}
	if err == nil {
		return sid, nil
	}

	c.mu.Lock()
	if c.sid == sid {
		c.sid = ""
	}
	c.mu.Unlock()

	if uerr := c.carrier.UpdateCallStatus(context.WithoutCancel(ctx), sid, carrier.StatusCompleted); uerr != nil {
		c.log.WithError(uerr).WithField("sid", sid).Debug("completing failed attempt")
	}
	return "", err
}

func (c *Controller) initEvent(sid string) protocol.Event {
	return protocol.Event{
		SID:                 sid,
		Type:                protocol.KindInitCall,
		PublicURL:           c.cfg.PublicURL,
		PublicURLParams:     c.cfg.PublicURLParams,
		LanguageCode:        c.cfg.LanguageCode,
		Voice:               c.cfg.Voice,
		SpeechModel:         c.cfg.SpeechModel,
		SpeechModelEnhanced: c.cfg.SpeechModelEnhanced,
		SpeechTimeout:       protocol.SpeechTimeout(c.cfg.SpeechTimeout),
		ResponseTimeMs:      int(c.cfg.ResponseTime / time.Millisecond),
	}
}

// UserSays speaks msg into the active call.
func (c *Controller) UserSays(ctx context.Context, msg Message) error {
	c.mu.Lock()
	state, sid := c.state, c.sid
	c.mu.Unlock()

	if state != Active || sid == "" {
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	for _, b := range msg.Buttons {
		if err := protocol.ValidateDTMF(b.Payload); err != nil {
			return err
		}
	}

	evt := protocol.Event{
		SID:         sid,
		Type:        protocol.KindUserSays,
		MessageText: msg.MessageText,
		Buttons:     msg.Buttons,
		Media:       msg.Media,
	}
	if err := c.outbound.Send(ctx, evt); err != nil {
		return fmt.Errorf("sending utterance to %s: %w", sid, err)
	}
	return nil
}

// Stop hangs up the active call and waits for the carrier to confirm. A
// confirmation that does not arrive in time is logged; the call ends up
// terminated either way. Only a failed hangup request is returned.
func (c *Controller) Stop(ctx context.Context) error {
	defer c.fetches.Wait()
	defer c.stopAccepting()

	c.mu.Lock()
	sid := c.sid
	if c.state != Active || sid == "" {
		state := c.state
		c.mu.Unlock()
		c.log.WithField("state", state).Debug("stop without active call")
		return nil
	}
	c.state = Completing
	w := c.expectLocked(protocol.KindCallCompleted, protocol.KindCallFailed)
	c.mu.Unlock()

	log := c.log.WithField("sid", sid)
	log.Info("completing call")

	if err := c.carrier.UpdateCallStatus(ctx, sid, carrier.StatusCompleted); err != nil {
		c.drop(w)
		c.finish(sid)
		return fmt.Errorf("completing call %s: %w", sid, err)
	}
	if _, err := c.await(ctx, w, c.cfg.CompleteTimeout); err != nil {
		log.WithError(err).Warn("call completion not confirmed")
	}
	c.finish(sid)
	return nil
}

func (c *Controller) finish(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Terminated
	if c.sid == sid {
		c.sid = ""
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// subscribe opens the inbound window, once per call.
func (c *Controller) subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.accepting = true
		return nil
	}
	cancel, err := c.inbound.Subscribe(c.handle)
	if err != nil {
		return fmt.Errorf("subscribing to inbound events: %w", err)
	}
	c.unsubscribe = cancel
	c.accepting = true
	return nil
}

func (c *Controller) stopAccepting() {
	c.mu.Lock()
	cancel := c.unsubscribe
	c.unsubscribe = nil
	c.accepting = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// handle processes one inbound event.
func (c *Controller) handle(_ context.Context, evt protocol.Event) error {
	log := c.log.WithFields(logrus.Fields{"sid": evt.SID, "type": evt.Type})

	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		log.Debug("discarding event outside call")
		return nil
	}
	if evt.SID == "" || evt.SID != c.sid {
		c.mu.Unlock()
		log.Debug("ignoring event for untracked call")
		return nil
	}
	c.resolveLocked(evt)

	state := c.state
	fetch := false
	switch evt.Type {
	case protocol.KindCallFailed:
		if state == Active || state == Completing {
			c.state = Failed
			c.sid = ""
		}
	case protocol.KindCallCompleted:
		if state == Active || state == Completing {
			c.state = Terminated
			c.sid = ""
			fetch = c.cfg.Record
		}
	}
	if fetch {
		c.fetches.Add(1)
	}
	c.mu.Unlock()

	switch evt.Type {
	case protocol.KindBotSays:
		if state != Active {
			log.WithField("state", state).Debug("ignoring speech outside active call")
			return nil
		}
		c.driver.BotSays(Message{
			Sender:      "bot",
			MessageText: evt.BotSays,
			SourceData:  evt.SourceData,
		})
	case protocol.KindCallFailed, protocol.KindCallCompleted:
		log.WithField("state", state).Info("call ended")
	}

	if fetch {
		go c.fetchRecording(evt.SID, evt.RecordingURL)
	}
	return nil
}

// fetchRecording delivers the call recording to the driver. Failures are
// logged only.
func (c *Controller) fetchRecording(sid, url string) {
	defer c.fetches.Done()
	log := c.log.WithField("sid", sid)

	ctx, cancel := context.WithTimeout(context.Background(), recordingTimeout)
	defer cancel()

	rec, err := c.carrier.FetchRecording(ctx, sid, url)
	if err != nil {
		log.WithError(err).Warn("fetching call recording failed")
		return
	}
	log.WithField("bytes", len(rec.Data)).Info("call recording fetched")

	c.driver.BotSays(Message{
		Sender:     "bot",
		SourceData: map[string]string{"recordingUrl": rec.URL},
		Attachments: []Attachment{{
			Name:     sid + extension(rec.MimeType),
			MimeType: rec.MimeType,
			Data:     rec.Data,
		}},
	})
}

func extension(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".mp3"
	}
}
