package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestInitLevel(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		if err := Init(tt.level, "", false); err != nil {
			t.Fatalf("Init(%q) failed: %v", tt.level, err)
		}
		if got := Get().GetLevel(); got != tt.want {
			t.Errorf("Init(%q) level = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestInitFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "memtest.log")

	if err := Init("info", logFile, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Warnf("pool reclaimed %d bytes", 4096)

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Reading log file failed: %v", err)
	}
	if !strings.Contains(string(data), "pool reclaimed 4096 bytes") {
		t.Errorf("Log file missing message, got: %s", data)
	}
}

func TestWithFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	Set(logger)
	defer Set(nil)

	WithFields(logrus.Fields{"op": "acquire", "location": "device"}).Error("failed")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Level != logrus.ErrorLevel {
		t.Errorf("Level = %v, want error", entry.Level)
	}
	if entry.Data["op"] != "acquire" {
		t.Errorf("op field = %v, want acquire", entry.Data["op"])
	}
}
