package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"Warning":  slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"CRITICAL": LevelCritical,
		"bogus":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewCallLoggerWritesToExpectedPath(t *testing.T) {
	base := t.TempDir()
	today := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	cl, err := NewCallLogger(base, "sales-bot", "abc123", slog.LevelDebug, today)
	if err != nil {
		t.Fatalf("NewCallLogger() error = %v", err)
	}
	cl.Logger().Info("call started", "from", "sip:caller@example.com")
	if err := cl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	wantPath := filepath.Join(base, "2026-07-31", "bot_sales-bot", "call_abc123.log")
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", wantPath, err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestInitCreatesRotatingAppLog(t *testing.T) {
	base := t.TempDir()
	if err := Init(base, slog.LevelInfo); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	slog.Info("hello")

	if _, err := os.Stat(filepath.Join(base, "app.log")); err != nil {
		t.Fatalf("expected app.log to exist: %v", err)
	}
}

func TestSanitizeStripsUnsafeCharacters(t *testing.T) {
	if got := sanitize("sip:abc@host/weird"); got != "sip_abc_host_weird" {
		t.Errorf("sanitize() = %q", got)
	}
}
