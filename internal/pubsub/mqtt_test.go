package pubsub

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sirupsen/logrus"
)

// fakeBroker speaks just enough MQTT 3.1.1 for one client: it acknowledges
// connects and subscriptions, forwards publishes to matching subscribers at
// QoS 0 and can withhold publish acknowledgements or drop connections.
type fakeBroker struct {
	ln net.Listener
	wm sync.Mutex // serializes packet writes

	mu         sync.Mutex
	conns      map[net.Conn][]string
	noAck      bool
	subscribes int
	published  []string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &fakeBroker{ln: ln, conns: make(map[net.Conn][]string)}
	go b.serve()
	t.Cleanup(func() {
		ln.Close()
		b.drop()
	})
	return b
}

func (b *fakeBroker) url() string {
	return "tcp://" + b.ln.Addr().String()
}

func (b *fakeBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = nil
		b.mu.Unlock()
		go b.handle(conn)
	}
}

func (b *fakeBroker) handle(conn net.Conn) {
	defer conn.Close()
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			b.write(conn, packets.NewControlPacket(packets.Connack))
		case *packets.SubscribePacket:
			b.mu.Lock()
			b.conns[conn] = append(b.conns[conn], p.Topics...)
			b.subscribes++
			b.mu.Unlock()
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = p.Qoss
			b.write(conn, ack)
		case *packets.UnsubscribePacket:
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			b.write(conn, ack)
		case *packets.PublishPacket:
			b.mu.Lock()
			b.published = append(b.published, string(p.Payload))
			withhold := b.noAck
			b.mu.Unlock()
			if p.Qos > 0 && !withhold {
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				b.write(conn, ack)
			}
			b.forward(p.TopicName, p.Payload)
		case *packets.PingreqPacket:
			b.write(conn, packets.NewControlPacket(packets.Pingresp))
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (b *fakeBroker) write(conn net.Conn, cp packets.ControlPacket) {
	b.wm.Lock()
	defer b.wm.Unlock()
	cp.Write(conn)
}

// forward delivers a message to every connection subscribed to topic.
func (b *fakeBroker) forward(topic string, payload []byte) {
	b.mu.Lock()
	var targets []net.Conn
	for conn, filters := range b.conns {
		for _, f := range filters {
			if Match(f, topic) {
				targets = append(targets, conn)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, conn := range targets {
		pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		pub.TopicName = topic
		pub.Payload = payload
		b.write(conn, pub)
	}
}

// drop closes every client connection.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
		delete(b.conns, conn)
	}
}

func (b *fakeBroker) withholdAcks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noAck = true
}

func (b *fakeBroker) subscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

func (b *fakeBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func connect(t *testing.T, b *fakeBroker) *MQTTClient {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := NewMQTTClient(MQTTOptions{
		Broker:               b.url(),
		ClientID:             "test",
		QoS:                  1,
		Logger:               logrus.NewEntry(logger),
		AckTimeout:           100 * time.Millisecond,
		MaxReconnectInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// collector records payloads delivered to a handler.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(m.Payload))
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

// --- MQTT client ---

func TestMQTTClientDeliversInOrder(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b)
	ctx := context.Background()

	col := &collector{}
	if err := c.Subscribe(ctx, "ivr/#", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := c.Publish(ctx, "ivr/events", []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	eventually(t, "100 deliveries", func() bool { return len(col.got()) == 100 })
	for i, m := range col.got() {
		if m != strconv.Itoa(i) {
			t.Fatalf("delivery %d out of order: %s", i, m)
		}
	}
}

func TestMQTTClientPublishDoesNotWaitForAck(t *testing.T) {
	b := newFakeBroker(t)
	b.withholdAcks()
	c := connect(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := c.Publish(ctx, "ivr/events", []byte("completed")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Retain(ctx, "ivr/session/CA1", []byte("{}")); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publish waited %s for an acknowledgement", elapsed)
	}
	eventually(t, "broker to receive both messages", func() bool { return b.publishedCount() == 2 })
}

func TestMQTTClientPublishWhileReconnecting(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b)
	b.ln.Close()
	b.drop()
	eventually(t, "connection loss", func() bool { return !c.client.IsConnectionOpen() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := c.Publish(ctx, "ivr/events", []byte("queued")); err != nil {
		t.Errorf("expected publish queued for reconnect, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publish blocked %s during reconnect", elapsed)
	}
}

func TestMQTTClientResubscribesAfterReconnect(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b)

	col := &collector{}
	if err := c.Subscribe(context.Background(), "ivr/in", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.drop()

	eventually(t, "resubscribe", func() bool { return b.subscribeCount() >= 2 })
	b.forward("ivr/in", []byte("after reconnect"))
	eventually(t, "delivery after reconnect", func() bool { return len(col.got()) == 1 })
	if got := col.got()[0]; got != "after reconnect" {
		t.Errorf("unexpected delivery %q", got)
	}
}

func TestMQTTClientHandlerMayPublish(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b)
	ctx := context.Background()

	col := &collector{}
	if err := c.Subscribe(ctx, "ivr/echo", col.handle); err != nil {
		t.Fatal(err)
	}
	err := c.Subscribe(ctx, "ivr/ping", func(m Message) {
		if err := c.Retain(ctx, "ivr/echo", m.Payload); err != nil {
			t.Errorf("publish from handler: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	b.forward("ivr/ping", []byte("hello"))
	eventually(t, "echo", func() bool { return len(col.got()) == 1 })
}

func TestMQTTClientUnsubscribe(t *testing.T) {
	b := newFakeBroker(t)
	c := connect(t, b)
	ctx := context.Background()

	if err := c.Subscribe(ctx, "ivr/in", (&collector{}).handle); err != nil {
		t.Fatal(err)
	}
	if err := c.Unsubscribe(ctx, "ivr/in"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs["ivr/in"]; ok {
		t.Error("expected filter forgotten so reconnects do not restore it")
	}
}
