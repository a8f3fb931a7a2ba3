package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("tunnel up", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "tunnel up") {
		t.Errorf("expected output to contain 'tunnel up', got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("tunnel up", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"tunnel up"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON output with key field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		configLevel  string
		logDebug     bool
		shouldAppear bool
	}{
		{"debug", true, true},
		{"info", true, false},
		{"warn", true, false},
		{"unknown", true, false}, // defaults to info
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tt.configLevel, "text", &buf)

		if tt.logDebug {
			logger.Debug("debug message")
		}

		appeared := strings.Contains(buf.String(), "debug message")
		if appeared != tt.shouldAppear {
			t.Errorf("level %q: debug message appeared = %v, want %v",
				tt.configLevel, appeared, tt.shouldAppear)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	// Must not panic.
	logger.Info("discarded")
	logger.Error("discarded")
}
