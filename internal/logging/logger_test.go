package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dpas/internal/logging"
	"dpas/internal/services"
)

func TestConsoleLoggerLayout(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "worker").Info("job completed",
		logging.String(logging.FieldJobID, "abc"),
		logging.Int("detections", 3),
		logging.String("tag", "two words"),
	)

	line := buf.String()
	for _, fragment := range []string{"INFO", "worker: job completed", "[job abc]", "detections=3", `tag="two words"`} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no source location at info level, got %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("expected no colour codes when colour disabled, got %q", line)
	}
}

func TestConsoleLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info message should be filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn message missing: %q", buf.String())
	}
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("stored", logging.String(logging.FieldRecordID, "r1"))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if payload["msg"] != "stored" || payload["level"] != "info" || payload[logging.FieldRecordID] != "r1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts key in %v", payload)
	}
}

func TestJSONLoggerRendersDurationsInMilliseconds(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("detected", logging.Duration("inference", 1500*time.Microsecond))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if payload["inference"] != 1.5 {
		t.Fatalf("expected inference=1.5ms, got %v", payload["inference"])
	}
}

func TestLoggerWritesJSONCopyToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "dpas.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Writer: &buf, FilePath: path})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hello", logging.Int("n", 1))

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), `"msg":"hello"`) {
		t.Fatalf("expected JSON record in file, got %q", content)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected console record, got %q", buf.String())
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithJobID(context.Background(), "job-9")
	ctx = services.WithWorker(ctx, "w1")
	ctx = services.WithRequestID(ctx, "req-1")
	logging.WithContext(ctx, logger).Info("claimed")

	out := buf.String()
	for _, fragment := range []string{`"job_id":"job-9"`, `"worker":"w1"`, `"correlation_id":"req-1"`} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %s in %s", fragment, out)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "missing detections", "dataset_missing_record")
	out := buf.String()
	if !strings.Contains(out, `"event_type":"dataset_missing_record"`) || !strings.Contains(out, `"error_hint"`) {
		t.Fatalf("expected event_type and error_hint, got %s", out)
	}
}

func TestFailureAttrs(t *testing.T) {
	err := services.Wrap(services.ErrCapability, "worker", "detect", "inference failed", errors.New("oom"))
	attrs := logging.FailureAttrs(err)
	found := map[string]string{}
	for _, attr := range attrs {
		found[attr.Key] = attr.Value.String()
	}
	if found[logging.FieldErrorKind] != "capability_error" || found["error_cause"] != "oom" {
		t.Fatalf("unexpected failure attrs %v", found)
	}
	if logging.FailureAttrs(nil) != nil {
		t.Fatal("expected nil attrs for nil error")
	}
}
