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

func TestNewWritesJSONWithSessionFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "yarshad.log")

	logger, err := New(path, "work")
	if err != nil {
		t.Fatal(err)
	}
	Component(logger, "stream").Info("opened", zap.String("kind", "chat-list"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["session"] != "work" || entry["logger"] != "stream" || entry["kind"] != "chat-list" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["pid"]; !ok {
		t.Error("pid field missing")
	}
}

func TestNewWithLevelFiltersDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yarshad.log")

	logger, err := NewWithLevel(path, "main", zapcore.WarnLevel)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
		t.Errorf("log = %q", data)
	}
}

func TestComponentNilLogger(t *testing.T) {
	Component(nil, "x").Info("no panic")
}
