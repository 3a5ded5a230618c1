package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentdock/internal/infra/config"
)

func TestNewTextAndJSON(t *testing.T) {
	for _, format := range []string{"text", "json", ""} {
		log, closer, err := New(config.LoggerConfig{Level: "info", Format: format, Output: "stderr"})
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		if log == nil {
			t.Fatalf("format %q: nil logger", format)
		}
		closer()
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdock.log")
	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatal(err)
	}

	log.Info("hello", "run_id", "run-1")
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"run_id":"run-1"`) {
		t.Fatalf("log line missing attributes: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
