// Command ivr-proxy receives the carrier's webhooks for calls placed by
// ivr-call processes and relays the call protocol over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/config"
	"github.com/sweeney/twilio-ivr-mqtt/internal/logging"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/pubsub"
	"github.com/sweeney/twilio-ivr-mqtt/internal/session"
	"github.com/sweeney/twilio-ivr-mqtt/internal/transport"
	"github.com/sweeney/twilio-ivr-mqtt/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "/etc/twilio-ivr/ivr-proxy.yaml", "Path to config file")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Parse()

	cfg, err := config.Load(*configPath, config.RoleProxy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
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
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	client, err := pubsub.NewMQTTClient(pubsub.MQTTOptions{
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
	defer client.Close()

	log.Infof("connected to MQTT broker %s", cfg.Relay.Broker)

	if err := run(ctx, cfg, client, logs); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("proxy stopped")
	}

	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, client pubsub.Client, logs *logging.Logging) error {
	p, err := newProxy(ctx, cfg, client, logs)
	if err != nil {
		return err
	}
	defer p.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	p.log.Infof("serving webhooks on %s", cfg.Server.Listen)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving webhooks: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down webhook server: %w", err)
	}
	return nil
}

// proxy is the webhook receiver wired to the relay topics.
type proxy struct {
	server  *webhook.Server
	handler http.Handler
	store   session.Store
	log     *logrus.Entry
	closers []func()
}

func newProxy(ctx context.Context, cfg *config.Config, client pubsub.Client, logs *logging.Logging) (*proxy, error) {
	log := logs.Component("proxy")
	p := &proxy{log: log}

	if cfg.Relay.PersistSessions {
		ms := session.NewMQTTStore(client, cfg.Relay.TopicBase, logs.Component("session"))
		if err := ms.Start(ctx); err != nil {
			return nil, fmt.Errorf("loading sessions: %w", err)
		}
		p.closers = append(p.closers, func() {
			if err := ms.Stop(context.Background()); err != nil {
				log.WithError(err).Warn("stopping session store")
			}
		})
		p.store = ms
	} else {
		p.store = session.NewMemoryStore()
	}

	inbound := transport.NewRelay(client, protocol.InboundTopic(cfg.Relay.TopicBase), logs.Component("inbound"))
	outbound := transport.NewRelay(client, protocol.OutboundTopic(cfg.Relay.TopicBase), logs.Component("outbound"))

	p.server = webhook.New(p.store, inbound, webhook.WithLogger(logs.Component("webhook")))
	p.handler = p.server.Handler(cfg.Server.EndpointBase)

	unsubscribe, err := outbound.Subscribe(p.server.ApplyOutbound)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("subscribing to outbound events: %w", err)
	}
	p.closers = append(p.closers, unsubscribe)
	return p, nil
}

// Close releases subscriptions in reverse order of creation.
func (p *proxy) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
