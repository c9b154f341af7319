package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"restune/internal/logging"
)

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "info",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{
		Format:  "console",
		Level:   "debug",
		Outputs: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "engine").Info("message with caller", logging.String("target", "/sys/a b"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", line)
	}
	if !strings.Contains(line, "engine: message with caller") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, `target="/sys/a b"`) {
		t.Fatalf("expected quoted value, got %q", line)
	}
}

func TestJSONLoggerRenamesKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("json message", logging.String("k", "v"), logging.Duration("interval", 250*time.Millisecond))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record["msg"] != "json message" || record["level"] != "info" || record["k"] != "v" {
		t.Fatalf("unexpected record: %v", record)
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key: %v", record)
	}
	if record["interval"] != "250ms" {
		t.Fatalf("expected readable duration, got %v", record["interval"])
	}
}

func TestConsoleLoggerLiftsRequestScope(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-scope.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Outputs: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithRequestID(logging.WithClientID(context.Background(), "42:cam"), "req-1")
	scoped := logging.WithContext(ctx, logging.NewComponentLogger(logger, "engine"))
	scoped.WithGroup("node").Info("tuning applied", logging.String(logging.FieldOpcode, "0x42"), logging.Int64("value", 50))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "engine: [client=42:cam req=req-1] tuning applied") {
		t.Fatalf("expected scope tag before message, got %q", line)
	}
	if !strings.Contains(line, "node.opcode=0x42") || !strings.Contains(line, "node.value=50") {
		t.Fatalf("expected grouped keys, got %q", line)
	}
	if strings.Contains(line, "client_id=") {
		t.Fatalf("scope fields should not repeat as attributes: %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := logging.WithClientID(context.Background(), "1234:a")
	ctx = logging.WithRequestID(ctx, "req-xyz")
	logging.WithContext(ctx, logger).Info("contextual log")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record[logging.FieldClientID] != "1234:a" {
		t.Fatalf("missing client id: %v", record)
	}
	if record[logging.FieldRequestID] != "req-xyz" {
		t.Fatalf("missing request id: %v", record)
	}
}

func TestForComponentAppliesOverride(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	quiet := logging.ForComponent(base, "pulse", map[string]string{"pulse": "warn"})
	quiet.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be suppressed, got %q", buf.String())
	}
	quiet.Warn("kept")
	if !strings.Contains(buf.String(), "kept") || !strings.Contains(buf.String(), "component=pulse") {
		t.Fatalf("expected warn with component, got %q", buf.String())
	}
}

func TestForComponentCanLowerLevel(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	verbose := logging.ForComponent(base, "engine", map[string]string{"engine": "debug"})
	verbose.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug record, got %q", buf.String())
	}

	buf.Reset()
	base.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected root logger to keep info level, got %q", buf.String())
	}

	buf.Reset()
	requiet := logging.WithLevelOverride(verbose, slog.LevelError)
	requiet.Warn("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected second override to replace the first, got %q", buf.String())
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WarnWithContext(logger, "teardown failed", "gc_teardown_failed")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := record[key]; !ok {
			t.Fatalf("expected %s in %v", key, record)
		}
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "restuned-old.log")
	keepPath := filepath.Join(dir, "restuned-new.log")
	for _, path := range []string{oldPath, keepPath} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	past := time.Now().AddDate(0, 0, -30)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 7, logging.RetentionTarget{Dir: dir, Pattern: "restuned-*.log"})
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old log removed, stat err=%v", err)
	}
	if _, err := os.Stat(keepPath); err != nil {
		t.Fatalf("expected new log kept: %v", err)
	}
}
