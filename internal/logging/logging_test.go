package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", LevelString(level), err)
		}
		if parsed != level {
			t.Errorf("expected %v, got %v", level, parsed)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSizeKB <= 0 {
		t.Errorf("expected positive MaxSizeKB, got %d", cfg.MaxSizeKB)
	}
	if !strings.HasSuffix(cfg.FilePath, "overtone.log") {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func TestJSONFormatCarriesComponentAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelDebug,
		Format:    FormatJSON,
		Writer:    &buf,
		Component: "test",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.WithComponent("engine").WithSession("s-1").Info("locked", "hz", 110.123456, "cents", -3.14159)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output %q: %v", buf.String(), err)
	}
	if entry["msg"] != "locked" {
		t.Errorf("expected msg locked, got %v", entry["msg"])
	}
	if entry["session_id"] != "s-1" {
		t.Errorf("expected session_id s-1, got %v", entry["session_id"])
	}
	if entry["hz"] != 110.12 {
		t.Errorf("expected hz rounded to 110.12, got %v", entry["hz"])
	}
	if entry["cents"] != -3.14 {
		t.Errorf("expected cents rounded to -3.14, got %v", entry["cents"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn message missing")
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "overtone.log")
	logger, err := New(&Config{Output: "file", FilePath: logPath, MaxSizeKB: 1024})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("hello")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   logPath,
		MaxSizeKB:  1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	line := []byte(strings.Repeat("x", 199) + "\n")
	for i := 0; i < 30; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := LogFiles(logPath)
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if files[0] != logPath {
		t.Errorf("expected current log first, got %s", files[0])
	}
	backups := len(files) - 1
	if backups == 0 {
		t.Fatal("expected at least one rotated file")
	}
	if backups > 2 {
		t.Errorf("expected at most 2 backups, got %d", backups)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 1024 {
		t.Errorf("current log exceeds limit: %d bytes", info.Size())
	}
}

func TestLogFilesWithoutBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "overtone.log")
	files, err := LogFiles(logPath)
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if len(files) != 1 || files[0] != logPath {
		t.Errorf("expected only %s, got %v", logPath, files)
	}
}
