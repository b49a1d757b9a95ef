package extensions

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggingObserver_LevelsPerTransition(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := NewLoggingObserver(logger)

	obs.OnPrepared("t1", "scan")
	obs.OnStarted("t1", "scan")
	obs.OnCompleted("t1", "scan", 3, nil)

	out := buf.String()
	if !strings.Contains(out, "task prepared") {
		t.Fatalf("expected prepared log line, got: %s", out)
	}
	if !strings.Contains(out, "task started") {
		t.Fatalf("expected started log line, got: %s", out)
	}
	if !strings.Contains(out, "task completed") {
		t.Fatalf("expected completed log line, got: %s", out)
	}

	buf.Reset()
	obs.OnCompleted("t1", "scan", 3, errors.New("boom"))
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Fatalf("expected error-level log on failure, got: %s", buf.String())
	}
}
