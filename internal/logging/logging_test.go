package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/twilio-ivr-mqtt/internal/config"
)

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LoggingConfig{Level: "info"}, &buf, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	log := l.Component("webhook")
	log.Debug("hidden")
	log.WithField("sid", "CA1").Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug entry written at info level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=webhook") || !strings.Contains(out, "sid=CA1") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestVerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(config.LoggingConfig{Level: "warn"}, &buf, true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug, got %s", l.Logger.GetLevel())
	}
	l.Component("x").Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("expected debug entry")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ivr.log")
	var buf bytes.Buffer
	l, err := New(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1}, &buf, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Component("controller").Info("to file")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("expected entry in file, got %q", data)
	}
	if !strings.Contains(buf.String(), "to file") {
		t.Error("expected entry on console too")
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}, false); err == nil {
		t.Error("expected error for invalid level")
	}
}
