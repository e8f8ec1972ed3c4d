package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTClient wraps a Paho MQTT client.
type MQTTClient struct {
	client     mqtt.Client
	qos        byte
	log        *logrus.Entry
	ackTimeout time.Duration

	// inbox runs handlers in arrival order off the Paho router, so a
	// handler may publish and wait for the acknowledgement.
	inbox chan func()
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	subs map[string]Handler
}

const (
	inboxSize = 1024

	// DefaultAckTimeout bounds how long a queued publish is tracked.
	DefaultAckTimeout = time.Minute
)

// MQTTOptions configures the MQTT client.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Logger   *logrus.Entry

	// AckTimeout defaults to DefaultAckTimeout.
	AckTimeout time.Duration
	// MaxReconnectInterval defaults to one minute.
	MaxReconnectInterval time.Duration
}

// NewMQTTClient creates and connects an MQTT client. Subscriptions are
// restored whenever the connection is re-established.
func NewMQTTClient(opts MQTTOptions) (*MQTTClient, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &MQTTClient{
		qos:        opts.QoS,
		log:        log,
		ackTimeout: opts.AckTimeout,
		subs:       make(map[string]Handler),
		inbox:      make(chan func(), inboxSize),
		done:       make(chan struct{}),
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	maxReconnect := opts.MaxReconnectInterval
	if maxReconnect <= 0 {
		maxReconnect = 60 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(maxReconnect).
		SetWriteTimeout(10 * time.Second).
		SetOnConnectHandler(c.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	c.client = mqtt.NewClient(clientOpts)
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	go c.dispatch()
	return c, nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, false, payload)
}

func (c *MQTTClient) Retain(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, true, payload)
}

// publish returns once Paho has queued the message, or when ctx ends first.
// An error known at that point is returned; a late failure or a missing
// acknowledgement is only logged. Paho keeps queued messages across
// reconnects, in order.
func (c *MQTTClient) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	queued := make(chan mqtt.Token, 1)
	go func() { queued <- c.client.Publish(topic, c.qos, retained, payload) }()

	var token mqtt.Token
	select {
	case token = <-queued:
	case <-ctx.Done():
		go func() { c.track(topic, <-queued) }()
		return ctx.Err()
	}

	select {
	case <-token.Done():
		return token.Error()
	default:
	}
	go c.track(topic, token)
	return nil
}

func (c *MQTTClient) track(topic string, token mqtt.Token) {
	log := c.log.WithField("topic", topic)
	if !token.WaitTimeout(c.ackTimeout) {
		log.Warnf("publish not acknowledged within %s", c.ackTimeout)
		return
	}
	if err := token.Error(); err != nil {
		log.WithError(err).Warn("publish failed")
	}
}

func (c *MQTTClient) Subscribe(ctx context.Context, filter string, h Handler) error {
	c.mu.Lock()
	c.subs[filter] = h
	c.mu.Unlock()
	if err := wait(ctx, c.client.Subscribe(filter, c.qos, c.deliver(h))); err != nil {
		c.mu.Lock()
		delete(c.subs, filter)
		c.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	return nil
}

func (c *MQTTClient) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()
	return wait(ctx, c.client.Unsubscribe(filter))
}

func (c *MQTTClient) Close() error {
	c.client.Disconnect(1000)
	c.once.Do(func() { close(c.done) })
	return nil
}

// resubscribe runs on every (re)connect. With a clean session the broker
// forgets subscriptions when the connection drops.
func (c *MQTTClient) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, h := range c.subs {
		token := client.Subscribe(filter, c.qos, c.deliver(h))
		go func(filter string, token mqtt.Token) {
			token.Wait()
			if err := token.Error(); err != nil {
				c.log.WithError(err).WithField("filter", filter).Warn("MQTT resubscribe failed")
			}
		}(filter, token)
	}
}

func (c *MQTTClient) deliver(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()}
		select {
		case c.inbox <- func() { h(msg) }:
		case <-c.done:
		}
	}
}

func (c *MQTTClient) dispatch() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			return
		}
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
