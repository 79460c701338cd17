package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"invalid", zapcore.InfoLevel},
		{"  debug  ", zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetup_JSONFormatToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")

	log, err := Setup("info", "json", path)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info("test message", zap.String("key", "value"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v (output: %s)", err, data)
	}
	if msg, ok := entry["msg"].(string); !ok || msg != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if key, ok := entry["key"].(string); !ok || key != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
	if _, ok := entry["timestamp"].(string); !ok {
		t.Errorf("timestamp missing from entry: %v", entry)
	}
}

func TestSetup_ConsoleFormatToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")

	log, err := Setup("info", "console", path)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info("hello text")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello text") {
		t.Errorf("console output should contain message, got: %s", data)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err == nil {
		t.Errorf("console format should not parse as JSON")
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")

	log, err := Setup("warn", "json", path)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Info("should be filtered")
	_ = log.Sync()

	data, _ := os.ReadFile(path)
	if len(data) > 0 {
		t.Errorf("info should be filtered at warn level, got: %s", data)
	}

	log.Warn("should appear")
	_ = log.Sync()

	data, _ = os.ReadFile(path)
	if len(data) == 0 {
		t.Error("warn should not be filtered at warn level")
	}
}

func TestSetup_BadPath(t *testing.T) {
	_, err := Setup("info", "json", filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	if err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}
