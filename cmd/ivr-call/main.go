// Command ivr-call places a call to an IVR and runs a scripted conversation
// against it. Without a relay broker the webhook receiver runs in-process;
// with one, webhooks go to a separate ivr-proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/carrier"
	"github.com/sweeney/twilio-ivr-mqtt/internal/config"
	"github.com/sweeney/twilio-ivr-mqtt/internal/controller"
	"github.com/sweeney/twilio-ivr-mqtt/internal/convo"
	"github.com/sweeney/twilio-ivr-mqtt/internal/logging"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/pubsub"
	"github.com/sweeney/twilio-ivr-mqtt/internal/session"
	"github.com/sweeney/twilio-ivr-mqtt/internal/transport"
	"github.com/sweeney/twilio-ivr-mqtt/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "ivr-call.yaml", "Path to config file")
	scriptPath := flag.String("script", "", "Conversation script to run")
	saveDir := flag.String("save", "", "Directory for recordings and other attachments")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Parse()

	if *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "error: -script is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, config.RoleCaller)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	script, err := convo.LoadFile(*scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading script: %v\n", err)
		os.Exit(1)
	}

	logs, err := logging.New(cfg.Logging, os.Stderr, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()
	log := logs.Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, hanging up", sig)
		cancel()
	}()

	tw, err := carrier.NewTwilio(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	if err != nil {
		log.WithError(err).Fatal("creating carrier client")
	}

	var client pubsub.Client
	if !cfg.DirectMode() {
		mc, err := pubsub.NewMQTTClient(pubsub.MQTTOptions{
			Broker:   cfg.Relay.Broker,
			ClientID: cfg.Relay.ClientID,
			Username: cfg.Relay.Username,
			Password: cfg.Relay.Password,
			QoS:      byte(cfg.Relay.QoS),
			Logger:   logs.Component("mqtt"),
		})
		if err != nil {
			log.WithError(err).Fatal("connecting to MQTT")
		}
		defer mc.Close()
		log.Infof("connected to MQTT broker %s", cfg.Relay.Broker)
		client = mc
	}

	if err := run(ctx, cfg, script, tw, client, logs, os.Stdout, *saveDir); err != nil {
		logs.Close()
		os.Exit(1)
	}
}

// run plays script over a call placed through cc. A nil client selects the
// in-process webhook receiver. The transcript is written to out even when
// the conversation fails.
func run(ctx context.Context, cfg *config.Config, script *convo.Script, cc carrier.Client, client pubsub.Client, logs *logging.Logging, out io.Writer, saveDir string) error {
	l, err := newLink(cfg, client, logs)
	if err != nil {
		return err
	}
	defer l.Close()

	runner := convo.NewRunner(
		convo.WithBotTimeout(cfg.Call.BotTimeout),
		convo.WithSMS(cc, cfg.Twilio.From),
		convo.WithLogger(logs.Component("convo")),
	)
	ctrl, err := controller.New(cfg.ControllerConfig(), cc, l.outbound, l.inbound, runner,
		controller.WithLogger(logs.Component("controller")))
	if err != nil {
		return fmt.Errorf("creating call controller: %w", err)
	}

	tr, runErr := runner.Run(ctx, ctrl, script)
	printTranscript(out, tr, runErr)
	if saveDir != "" {
		if err := saveAttachments(saveDir, tr); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

// link is the controller's side of the event channel.
type link struct {
	outbound transport.Sender
	inbound  transport.Subscriber
	log      *logrus.Entry
	closers  []func()
}

func newLink(cfg *config.Config, client pubsub.Client, logs *logging.Logging) (*link, error) {
	l := &link{log: logs.Component("link")}

	if client != nil {
		l.outbound = transport.NewRelay(client, protocol.OutboundTopic(cfg.Relay.TopicBase), logs.Component("outbound"))
		l.inbound = transport.NewRelay(client, protocol.InboundTopic(cfg.Relay.TopicBase), logs.Component("inbound"))
		l.log.WithField("topic_base", cfg.Relay.TopicBase).Info("relaying call events over MQTT")
		return l, nil
	}

	outbound := transport.NewDirect()
	inbound := transport.NewDirect()
	srv := webhook.New(session.NewMemoryStore(), inbound, webhook.WithLogger(logs.Component("webhook")))
	unsubscribe, err := outbound.Subscribe(srv.ApplyOutbound)
	if err != nil {
		return nil, fmt.Errorf("subscribing webhook receiver: %w", err)
	}
	l.closers = append(l.closers, unsubscribe)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("listening for webhooks: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(cfg.Server.EndpointBase),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.WithError(err).Error("webhook server stopped")
		}
	}()
	l.closers = append(l.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			l.log.WithError(err).Warn("shutting down webhook server")
		}
	})
	l.log.Infof("serving webhooks on %s", ln.Addr())

	l.outbound = outbound
	l.inbound = inbound
	return l, nil
}

func (l *link) Close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
	l.closers = nil
}

func printTranscript(w io.Writer, tr *convo.Transcript, err error) {
	fmt.Fprintf(w, "script %s: %d turns in %s\n", tr.Script, len(tr.Turns), tr.End.Sub(tr.Begin).Round(time.Millisecond))
	for _, turn := range tr.Turns {
		prefix := "  "
		if turn.Step > 0 {
			prefix = fmt.Sprintf("%d.", turn.Step)
		}
		if turn.Text != "" {
			fmt.Fprintf(w, "%-4s%s: %s\n", prefix, turn.Sender, turn.Text)
		}
		for _, a := range turn.Attachments {
			fmt.Fprintf(w, "%-4s%s: [%s %s, %d bytes]\n", prefix, turn.Sender, a.Name, a.MimeType, len(a.Data))
		}
		if turn.Err != nil {
			fmt.Fprintf(w, "%-4sFAIL %v\n", prefix, turn.Err)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "FAILED: %v\n", err)
		return
	}
	fmt.Fprintln(w, "PASSED")
}

func saveAttachments(dir string, tr *convo.Transcript) error {
	var attachments []controller.Attachment
	for _, turn := range tr.Turns {
		attachments = append(attachments, turn.Attachments...)
	}
	if len(attachments) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	for _, a := range attachments {
		path := filepath.Join(dir, filepath.Base(a.Name))
		if err := os.WriteFile(path, a.Data, 0o644); err != nil {
			return fmt.Errorf("saving attachment: %w", err)
		}
	}
	return nil
}
