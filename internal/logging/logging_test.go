package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEntryShape(t *testing.T) {
	var buf bytes.Buffer
	l := New().WithComponent("scanner").WithTraceID("sess-1")
	l.SetOutput(&buf)
	l.Info("scan started", map[string]interface{}{"providers": 3})

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output not valid JSON: %v", err)
	}
	if entry.Component != "scanner" || entry.TraceID != "sess-1" || entry.Level != LevelInfo {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)
	l.Debug("should not appear")
	l.Info("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below min level, got %q", buf.String())
	}
	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatal("warn message missing")
	}
}
