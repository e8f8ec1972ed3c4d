// Command ivr-wiretap captures the relay channels of a running deployment to
// a JSON-lines file for debugging and test fixtures.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sweeney/twilio-ivr-mqtt/internal/config"
	"github.com/sweeney/twilio-ivr-mqtt/internal/logging"
	"github.com/sweeney/twilio-ivr-mqtt/internal/protocol"
	"github.com/sweeney/twilio-ivr-mqtt/internal/pubsub"
)

func main() {
	configPath := flag.String("config", "/etc/twilio-ivr/ivr-proxy.yaml", "Path to config file (relay section)")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	cfg, err := config.Load(*configPath, config.RoleProxy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logs, err := logging.New(cfg.Logging, os.Stderr, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := pubsub.NewMQTTClient(pubsub.MQTTOptions{
		Broker:   cfg.Relay.Broker,
		ClientID: cfg.Relay.ClientID + "-wiretap",
		Username: cfg.Relay.Username,
		Password: cfg.Relay.Password,
		QoS:      byte(cfg.Relay.QoS),
		Logger:   logs.Component("mqtt"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connecting to MQTT: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := capture(ctx, client, cfg.Relay.TopicBase, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// record is one captured message.
type record struct {
	Time  string          `json:"time"`
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event,omitempty"`
	Raw   string          `json:"raw,omitempty"`
}

func capture(ctx context.Context, client pubsub.Client, base, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".jsonl")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)

	w := &recorder{w: f, now: time.Now}
	topics := []string{protocol.OutboundTopic(base), protocol.InboundTopic(base)}
	for _, topic := range topics {
		if err := client.Subscribe(ctx, topic, w.write); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}

	fmt.Println("streaming events (ctrl+c to stop)...")
	<-ctx.Done()

	for _, topic := range topics {
		client.Unsubscribe(context.Background(), topic)
	}
	return w.Err()
}

// recorder writes messages as JSON lines. The first write error stops
// further output.
type recorder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
	err error
}

func (r *recorder) write(msg pubsub.Message) {
	rec := record{Time: r.now().UTC().Format(time.RFC3339Nano), Topic: msg.Topic}
	if json.Valid(msg.Payload) {
		rec.Event = json.RawMessage(msg.Payload)
	} else {
		rec.Raw = string(msg.Payload)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	_, r.err = r.w.Write(append(line, '\n'))
}

func (r *recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern  = regexp.MustCompile(`\+\d{8,15}\b`)
	accountSID    = regexp.MustCompile(`\bAC[0-9a-f]{32}\b`)
	secretPattern = regexp.MustCompile(`(?i)("(?:auth_?token|password|secret)"\s*:\s*)"[^"]*"`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Create backup
	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = sanitizeLine(line)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func sanitizeLine(line string) string {
	line = secretPattern.ReplaceAllString(line, `${1}"REDACTED"`)
	line = accountSID.ReplaceAllString(line, "AC00000000000000000000000000000000")

	// Redact IPs (but preserve localhost)
	line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})

	// Carrier webhooks carry caller and callee numbers in several fields.
	return phonePattern.ReplaceAllString(line, "+15550001234")
}
