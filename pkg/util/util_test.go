package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.UnixMilli(5_000)
	c := NewManualClock(start)
	if got := UnixMillis(c); got != 5_000 {
		t.Fatalf("UnixMillis = %d, want 5000", got)
	}
	c.Advance(1500 * time.Millisecond)
	if got := UnixMillis(c); got != 6_500 {
		t.Errorf("UnixMillis after advance = %d, want 6500", got)
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "node.log")
	logger, err := NewLoggerWithFile(path, "debug")
	if err != nil {
		t.Fatal(err)
	}
	logger.Sugar().Debugw("ledger_opened", "seq", 3)
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"msg":"ledger_opened"`) || !strings.Contains(string(b), `"seq":3`) {
		t.Errorf("log file = %s", b)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
