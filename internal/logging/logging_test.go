package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/config"
)

// restoreLogger resets the global logger after a test mutates it.
func restoreLogger(t *testing.T) {
	t.Helper()
	level, formatter, out := log.GetLevel(), log.StandardLogger().Formatter, log.StandardLogger().Out
	t.Cleanup(func() {
		log.SetLevel(level)
		log.SetFormatter(formatter)
		log.SetOutput(out)
	})
}

func TestSetup_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  log.Level
	}{
		{"", log.InfoLevel},
		{"debug", log.DebugLevel},
		{"warn", log.WarnLevel},
		{"error", log.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			restoreLogger(t)
			closer, err := Setup(config.LogConfig{Level: tt.level})
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}
			defer closer.Close()

			if got := log.GetLevel(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetup_Invalid(t *testing.T) {
	restoreLogger(t)

	if _, err := Setup(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := Setup(config.LogConfig{Format: "xml"}); err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestSetup_JSONFile(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "logs", "dreammaker.log")

	closer, err := Setup(config.LogConfig{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	log.WithField("task_id", 42).Info("task completed")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["msg"] != "task completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["task_id"] != float64(42) {
		t.Errorf("task_id = %v", entry["task_id"])
	}
}
