package gemini

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
	"github.com/google/uuid"
)

// TestSnapshotUnfolding covers spec §8 concrete scenario 3.
func TestSnapshotUnfolding(t *testing.T) {
	dir := t.TempDir()
	chats := filepath.Join(dir, "chats")
	if err := os.MkdirAll(chats, 0o755); err != nil {
		t.Fatal(err)
	}

	snap := snapshot{
		SessionID: "g1",
		Messages: []snapMessage{
			{Role: "user", Timestamp: "2026-01-01T00:00:00Z", Parts: []snapPart{{Text: "do the thing"}}},
			{Role: "model", Timestamp: "2026-01-01T00:00:01Z", Parts: []snapPart{
				{Thought: true, Text: "thinking 1"},
				{Thought: true, Text: "thinking 2"},
				{FunctionCall: &snapFunctionCall{ID: "call1", Name: "read_file", Args: map[string]any{"path": "a.txt"}}},
			}},
			{Role: "user", Timestamp: "2026-01-01T00:00:02Z", Parts: []snapPart{
				{FunctionResp: &snapFunctionResult{ID: "call1", Name: "read_file", Response: map[string]any{"output": "contents"}}},
			}},
			{Role: "model", Timestamp: "2026-01-01T00:00:03Z", Parts: []snapPart{{Text: "done"}}},
		},
		Usage: &snapUsage{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}
	data, _ := json.Marshal(snap)
	path := filepath.Join(chats, "session-g1.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	a := New()
	ch, err := a.NormalizeFile(context.Background(), path, uuid.New(), provider.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var kinds []event.Kind
	var lastGenID uuid.UUID
	var usageParent *uuid.UUID
	for ne := range ch {
		if ne.Err != nil {
			t.Fatal(ne.Err)
		}
		kinds = append(kinds, ne.Event.Kind)
		if ne.Event.Kind == event.KindMessage {
			lastGenID = ne.Event.ID
		}
		if ne.Event.Kind == event.KindTokenUsage {
			usageParent = ne.Event.ParentID
		}
	}

	// One User + 2 Reasoning + 1 ToolCall + 1 ToolResult + 1 Message + 1 TokenUsage.
	want := []event.Kind{
		event.KindUser,
		event.KindReasoning,
		event.KindReasoning,
		event.KindToolCall,
		event.KindToolResult,
		event.KindMessage,
		event.KindTokenUsage,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(kinds), kinds, len(want), want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	if usageParent == nil || *usageParent != lastGenID {
		t.Fatal("token usage must attach to the last generation event")
	}
}
