package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/pkg/logger"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := logger.New(config.LogConfig{Level: "loud", Format: "json", Output: "stdout"})
	if err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewRejectsFileOutputWithoutPath(t *testing.T) {
	_, err := logger.New(config.LogConfig{Level: "info", Format: "json", Output: "file"})
	if err == nil {
		t.Error("Expected error for file output without path")
	}
}

func TestKeyValueFields(t *testing.T) {
	log, err := logger.New(config.LogConfig{Level: "debug", Format: "json", Output: "stdout"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.Info("Tool registered", "tool", "ruling_fetch", "ttl", "24h")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q", buf.String())
	}

	if line["tool"] != "ruling_fetch" || line["ttl"] != "24h" {
		t.Errorf("Expected key/value fields on the entry, got %v", line)
	}
}

func TestLogServiceError(t *testing.T) {
	log, _ := logger.New(config.LogConfig{Level: "debug", Format: "json", Output: "stdout"})

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.LogService("redis", "get", 15*time.Millisecond, map[string]interface{}{"key": "k"}, errors.New("boom"))

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q", buf.String())
	}

	if line["level"] != "error" {
		t.Errorf("Expected error level, got %v", line["level"])
	}

	if line["service"] != "redis" || line["error"] != "boom" {
		t.Errorf("Unexpected fields: %v", line)
	}
}
