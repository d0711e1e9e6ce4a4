package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info().Msg("dropped")
	logger.Warn().Str("identifier", "1.2.3.4").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line should be json: %v", err)
	}
	if entry["level"] != "warn" || entry["identifier"] != "1.2.3.4" || entry["message"] != "kept" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestRejectsBadOptions(t *testing.T) {
	if _, err := NewWithWriter(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := NewWithWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authgate.log")
	logger, closeFn, err := New(Options{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info().Msg("hello")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Fatalf("expected log line in file, got %q", data)
	}
}
