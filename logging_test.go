package fiberloop

import (
	"bytes"
	"os"
	"testing"
)

func TestDefaultLoggerFiltersByLevel(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	l := NewFileLogger(w, LogLevelWarn)
	l.Log(LogEntry{Level: LogLevelInfo, Category: "fiber", Message: "should not appear"})
	l.Log(LogEntry{Level: LogLevelError, Category: "fiber", Message: "should appear"})
	w.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if bytes.Contains([]byte(out), []byte("should not appear")) {
		t.Fatal("expected the info-level entry to be filtered out")
	}
	if !bytes.Contains([]byte(out), []byte("should appear")) {
		t.Fatal("expected the error-level entry to be written")
	}
}

func TestSetLoggerDefaultsToNoop(t *testing.T) {
	SetLogger(nil)
	if getLogger().IsEnabled(LogLevelError) {
		t.Fatal("expected the default logger to be a no-op")
	}
}
