package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn")

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn message missing")
	}
}

func TestNewWithWriter_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "bogus")

	logger.Debug("debug hidden")
	logger.Info("info shown")

	out := buf.String()
	if strings.Contains(out, "debug hidden") {
		t.Error("debug message logged at default level")
	}
	if !strings.Contains(out, "info shown") {
		t.Error("info message missing at default level")
	}
}

func TestRedactSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info")

	logger.Info("connecting",
		"API_TOKEN", "super-secret-token",
		"DB_PASSWORD", "hunter2",
		"host", "192.168.10.10",
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}

	if entry["API_TOKEN"] != "***REDACTED***" {
		t.Errorf("API_TOKEN not redacted: %v", entry["API_TOKEN"])
	}
	if entry["DB_PASSWORD"] != "***REDACTED***" {
		t.Errorf("DB_PASSWORD not redacted: %v", entry["DB_PASSWORD"])
	}
	if entry["host"] != "192.168.10.10" {
		t.Errorf("non-secret field was altered: %v", entry["host"])
	}
}

func TestNewFromConfig_TextFormat(t *testing.T) {
	logger, err := NewFromConfig("text", "info", "discard")
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}
