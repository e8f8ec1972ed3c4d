package convo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/controller"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/smscheck"
)

// DefaultBotTimeout bounds the wait for the IVR's next utterance.
const DefaultBotTimeout = 30 * time.Second

var (
	// ErrMismatch is wrapped when the IVR said something unexpected.
	ErrMismatch = errors.New("unexpected bot message")
	// ErrNoReply is wrapped when the IVR stayed silent.
	ErrNoReply = errors.New("no bot message")
)

// Call is the part of the call controller a conversation uses.
type Call interface {
	Start(ctx context.Context) error
	UserSays(ctx context.Context, msg controller.Message) error
	Stop(ctx context.Context) error
}

// Turn is one transcript entry.
type Turn struct {
	Step        int
	Sender      string
	Text        string
	Attachments []controller.Attachment
	Err         error
}

// Transcript records a conversation.
type Transcript struct {
	Script string
	Begin  time.Time
	End    time.Time
	Turns  []Turn
}

// Runner plays scripts and is the controller's driver. Messages from the
// call are buffered until a bot step consumes them.
type Runner struct {
	messages   chan controller.Message
	botTimeout time.Duration
	sms        smscheck.Lister
	receiver   string
	log        *logrus.Entry
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithBotTimeout sets how long a bot step waits.
func WithBotTimeout(d time.Duration) Option {
	return func(r *Runner) { r.botTimeout = d }
}

// WithSMS enables sms steps, checking messages sent to receiver.
func WithSMS(l smscheck.Lister, receiver string) Option {
	return func(r *Runner) {
		r.sms = l
		r.receiver = receiver
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Runner) { r.log = log }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		messages:   make(chan controller.Message, 64),
		botTimeout: DefaultBotTimeout,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BotSays queues a message from the call. It never blocks; messages beyond
// the buffer are dropped.
func (r *Runner) BotSays(msg controller.Message) {
	select {
	case r.messages <- msg:
	default:
		r.log.WithField("text", msg.MessageText).Warn("message buffer full, dropping bot message")
	}
}

// Run places the call, plays the script and hangs up. The call is stopped
// even when a step fails.
func (r *Runner) Run(ctx context.Context, call Call, s *Script) (*Transcript, error) {
	tr := &Transcript{Script: s.Name, Begin: r.now()}
	log := r.log.WithField("script", s.Name)

	if err := call.Start(ctx); err != nil {
		tr.End = r.now()
		return tr, fmt.Errorf("starting call: %w", err)
	}
	log.Info("conversation started")

	runErr := r.play(ctx, call, s, tr)

	stopErr := call.Stop(context.WithoutCancel(ctx))
	if stopErr != nil {
		stopErr = fmt.Errorf("stopping call: %w", stopErr)
	}
	r.collect(tr)
	tr.End = r.now()

	if err := errors.Join(runErr, stopErr); err != nil {
		log.WithError(err).Warn("conversation failed")
		return tr, err
	}
	log.WithField("turns", len(tr.Turns)).Info("conversation passed")
	return tr, nil
}

func (r *Runner) play(ctx context.Context, call Call, s *Script, tr *Transcript) error {
	for i, step := range s.Steps {
		n := i + 1
		log := r.log.WithFields(logrus.Fields{"step": n, "kind": step.Kind})
		log.Debug("running step")

		var err error
		switch step.Kind {
		case StepMe:
			err = r.say(ctx, call, tr, n, controller.Message{MessageText: step.Text})
		case StepDTMF:
			err = r.say(ctx, call, tr, n, controller.Message{Buttons: []protocol.Button{{Payload: step.Text}}})
		case StepPlay:
			var m protocol.Media
			m, err = media(s.Dir, step.Text)
			if err == nil {
				err = r.say(ctx, call, tr, n, controller.Message{Media: []protocol.Media{m}})
			}
		case StepBot:
			err = r.expect(ctx, tr, n, step.Text)
		case StepSMS:
			err = r.checkSMS(ctx, tr, n, step.Patterns)
		default:
			err = fmt.Errorf("unknown step %q", step.Kind)
		}
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", n, step.Kind, err)
		}
	}
	return nil
}

func (r *Runner) say(ctx context.Context, call Call, tr *Transcript, n int, msg controller.Message) error {
	text := msg.MessageText
	if len(msg.Buttons) > 0 {
		text = msg.Buttons[0].Payload
	} else if len(msg.Media) > 0 {
		text = msg.Media[0].MediaURI
	}
	tr.Turns = append(tr.Turns, Turn{Step: n, Sender: "me", Text: text})
	return call.UserSays(ctx, msg)
}

// expect consumes messages until one carries text. Attachment-only messages
// go to the transcript.
func (r *Runner) expect(ctx context.Context, tr *Transcript, n int, want string) error {
	timer := time.NewTimer(r.botTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-r.messages:
			if msg.MessageText == "" {
				tr.Turns = append(tr.Turns, Turn{Step: n, Sender: msg.Sender, Attachments: msg.Attachments})
				continue
			}
			turn := Turn{Step: n, Sender: msg.Sender, Text: msg.MessageText, Attachments: msg.Attachments}
			if want != "" && !strings.Contains(strings.ToLower(msg.MessageText), strings.ToLower(want)) {
				turn.Err = fmt.Errorf("%w: expected %q, got %q", ErrMismatch, want, msg.MessageText)
			}
			tr.Turns = append(tr.Turns, turn)
			return turn.Err
		case <-timer.C:
			return fmt.Errorf("%w within %s", ErrNoReply, r.botTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) checkSMS(ctx context.Context, tr *Transcript, n int, patterns []string) error {
	if r.sms == nil {
		return fmt.Errorf("sms checks are not configured")
	}
	msgs, err := smscheck.Check(ctx, r.sms, r.receiver, tr.Begin, patterns)
	for _, m := range msgs {
		tr.Turns = append(tr.Turns, Turn{
			Step:   n,
			Sender: "sms:" + m.From,
			Text:   m.Body,
			Attachments: []controller.Attachment{{
				Name:     m.SID + ".txt",
				MimeType: "text/plain",
				Data:     []byte(m.Body),
			}},
		})
	}
	return err
}

// collect moves messages still buffered into the transcript.
func (r *Runner) collect(tr *Transcript) {
	for {
		select {
		case msg := <-r.messages:
			tr.Turns = append(tr.Turns, Turn{Sender: msg.Sender, Text: msg.MessageText, Attachments: msg.Attachments})
		default:
			return
		}
	}
}

// audioTypes are the formats the carrier plays.
var audioTypes = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".ogg": "audio/ogg",
}

// media turns a play step into a media payload: URLs are passed on, local
// files are sent inline.
func media(dir, ref string) (protocol.Media, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return protocol.Media{MediaURI: ref}, nil
	}
	path := ref
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Media{}, fmt.Errorf("reading media: %w", err)
	}
	mimeType := audioTypes[strings.ToLower(filepath.Ext(path))]
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return protocol.Media{
		MediaURI: filepath.Base(path),
		Base64:   base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}, nil
}
