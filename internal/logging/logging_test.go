package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/orrn/continuousprint/internal/config"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWithOutput: %v", err)
	}

	Component(logger, "driver").Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if entry["component"] != "driver" || entry["msg"] != "hello" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(config.LoggingConfig{Level: "warn", Format: "plain"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestNewBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud", Format: "text"}); err == nil {
		t.Fatal("expected error for bad level")
	}
}
