package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	if got := parseLevel("DEBUG"); got != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", got)
	}
	if got := parseLevel("nonsense"); got != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", got)
	}
}

func TestNamedLoggerCarriesComponent(t *testing.T) {
	l := New(LoggingConfig{Level: "info", Format: "json"})
	var buf bytes.Buffer
	l.Logger.SetOutput(&buf)

	l.Named("devices").WithField("device_id", "d1").Info("registered")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "devices" || entry["device_id"] != "d1" {
		t.Fatalf("unexpected fields: %v", entry)
	}
}
