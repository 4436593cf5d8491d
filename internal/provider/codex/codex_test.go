package codex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
	"github.com/google/uuid"
)

func writeRollout(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestExitCodeExtraction covers spec §8 concrete scenario 2.
func TestExitCodeExtraction(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"type":"function_call","name":"shell","arguments":"{\"command\":\"false\"}","call_id":"c1","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"function_call_output","call_id":"c1","output":"Exit code: 2","timestamp":"2026-01-01T00:00:01Z"}`,
	}
	path := writeRollout(t, dir, "rollout-2026-01-01T00-00-00-abc123.jsonl", lines)

	a := New()
	ch, err := a.NormalizeFile(context.Background(), path, uuid.New(), provider.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var result event.ToolResult
	for ne := range ch {
		if ne.Err != nil {
			t.Fatal(ne.Err)
		}
		if ne.Event.Kind == event.KindToolResult {
			result = ne.Event.Payload.(event.ToolResult)
		}
	}
	if !result.IsError {
		t.Fatal("expected is_error=true for non-zero exit code")
	}
}

// TestExtractHeaderSetsProjectRootFromCwd covers spec.md step-2's
// "compute or confirm project_hash from each header's project_root"
// contract for Codex, whose rollout records carry the session's cwd.
func TestExtractHeaderSetsProjectRootFromCwd(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"type":"message","role":"user","content":"hello","cwd":"/home/user/proj","timestamp":"2026-01-01T00:00:00Z"}`,
	}
	path := writeRollout(t, dir, "rollout-2026-01-01T00-00-00-abc123.jsonl", lines)

	a := New()
	hdr := a.extractHeader(path)
	if hdr.ProjectRoot != "/home/user/proj" {
		t.Fatalf("hdr.ProjectRoot = %q, want /home/user/proj", hdr.ProjectRoot)
	}
}

func TestSessionIDFromFilename(t *testing.T) {
	got := sessionIDFromFilename("rollout-2026-01-01T00-00-00-abcd1234.jsonl")
	if got != "abcd1234" {
		t.Fatalf("sessionIDFromFilename = %q", got)
	}
}

func TestTokenCountAttachesToLastGeneration(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		`{"type":"message","role":"assistant","content":"hi","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"token_count","input_tokens":10,"output_tokens":5,"timestamp":"2026-01-01T00:00:01Z"}`,
	}
	path := writeRollout(t, dir, "rollout-x-def456.jsonl", lines)

	a := New()
	ch, err := a.NormalizeFile(context.Background(), path, uuid.New(), provider.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var msgID uuid.UUID
	var usageParent *uuid.UUID
	for ne := range ch {
		if ne.Err != nil {
			t.Fatal(ne.Err)
		}
		if ne.Event.Kind == event.KindMessage {
			msgID = ne.Event.ID
		}
		if ne.Event.Kind == event.KindTokenUsage {
			usageParent = ne.Event.ParentID
		}
	}
	if usageParent == nil || *usageParent != msgID {
		t.Fatal("token usage must attach to the last generation event")
	}
}
