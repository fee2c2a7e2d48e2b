package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("Debug message should be filtered at warn level")
	}
	if strings.Contains(out, "info message") {
		t.Error("Info message should be filtered at warn level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("Warn message should be logged")
	}
	if !strings.Contains(out, "error message") {
		t.Error("Error message should be logged")
	}
}

func TestLoggerStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithService("tokenvault-test"))

	logger.Info("token refreshed", "user_id", "u1", "provider", "google")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}

	if entry["service"] != "tokenvault-test" {
		t.Errorf("Expected service tokenvault-test, got %v", entry["service"])
	}
	fields, ok := entry["fields"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected fields map in log entry")
	}
	if fields["user_id"] != "u1" {
		t.Errorf("Expected user_id u1, got %v", fields["user_id"])
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	logger.Info("upsert", "access_token", "sk-very-secret", "refresh_token", "rt-secret", "user_id", "u1")

	out := buf.String()
	if strings.Contains(out, "sk-very-secret") || strings.Contains(out, "rt-secret") {
		t.Fatalf("Secret material leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Error("Expected redaction marker in log output")
	}
	if !strings.Contains(out, "u1") {
		t.Error("Non-secret fields should still be logged")
	}
}

func TestLoggerCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	ctx := WithCorrelationID(context.Background(), "corr-123")
	logger.InfoWithContext(ctx, "request handled")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}
	if entry["correlation_id"] != "corr-123" {
		t.Errorf("Expected correlation_id corr-123, got %v", entry["correlation_id"])
	}
}
