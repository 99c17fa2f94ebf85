package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSecretRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "json")

	tests := []struct {
		key    string
		value  string
		should bool
	}{
		{"api_token", "secret123", true},
		{"API_KEY", "key456", true},
		{"password", "pass789", true},
		{"secret", "mysecret", true},
		{"webhook_url", "https://example.com", false},
		{"message", "hello", false},
		{"count", "42", false},
	}

	for _, tt := range tests {
		buf.Reset()
		logger.Info("test", zap.String(tt.key, tt.value))
		output := buf.String()

		if tt.should {
			if !strings.Contains(output, redacted) {
				t.Errorf("key %q should be redacted, output: %s", tt.key, output)
			}
			if strings.Contains(output, tt.value) {
				t.Errorf("key %q value %q should not appear, output: %s", tt.key, tt.value, output)
			}
		} else {
			if strings.Contains(output, redacted) {
				t.Errorf("key %q should not be redacted, output: %s", tt.key, output)
			}
			if !strings.Contains(output, tt.value) {
				t.Errorf("key %q value %q should appear, output: %s", tt.key, tt.value, output)
			}
		}
	}
}

func TestRedactionAppliesToWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "console").With(zap.String("rpc_password", "hunter2"))
	logger.Info("dial")
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked through With: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")
	logger.Info("quiet")
	logger.Warn("loud")
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.Contains(out, `"ts"`) {
		t.Fatalf("expected ts key: %s", out)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"invalid", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
		if logger := NewWithLevel(tt.level); logger == nil {
			t.Errorf("NewWithLevel(%q) returned nil", tt.level)
		}
	}
}
