package assembler

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agtrace/agtrace/internal/event"
)

var traceID = uuid.New()

func ev(ts time.Time, parent *uuid.UUID, p event.Payload) event.Event {
	return event.New(traceID, parent, ts, p)
}

func TestSimpleTurnDoneOnMessage(t *testing.T) {
	base := time.Now().UTC()
	user := ev(base, nil, event.User{Text: "go"})
	reasoning := ev(base.Add(time.Second), nil, event.Reasoning{Text: "thinking"})
	msg := ev(base.Add(2*time.Second), nil, event.Message{Text: "done"})

	sess := Assemble([]event.Event{user, reasoning, msg})

	if len(sess.Turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(sess.Turns))
	}
	turn := sess.Turns[0]
	if turn.Status != StatusDone {
		t.Fatalf("expected Done, got %s", turn.Status)
	}
	if len(turn.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(turn.Steps))
	}
	if sess.Active {
		t.Fatal("session should not be active after a Done turn")
	}
}

func TestStepFailedOnToolError(t *testing.T) {
	base := time.Now().UTC()
	callID := event.NewID()
	user := ev(base, nil, event.User{Text: "run"})
	call := event.New(traceID, nil, base.Add(time.Second), event.ToolCall{Name: "shell"})
	call.ID = callID
	result := ev(base.Add(2*time.Second), nil, event.ToolResult{ToolCallID: callID, IsError: true, Output: "boom"})

	sess := Assemble([]event.Event{user, call, result})

	if sess.Turns[0].Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", sess.Turns[0].Status)
	}
}

func TestStepInProgressOnUnresolvedToolCall(t *testing.T) {
	base := time.Now().UTC()
	user := ev(base, nil, event.User{Text: "run"})
	call := ev(base.Add(time.Second), nil, event.ToolCall{Name: "shell"})

	sess := Assemble([]event.Event{user, call})

	if sess.Turns[0].Status != StatusInProgress {
		t.Fatalf("expected InProgress, got %s", sess.Turns[0].Status)
	}
	if !sess.Active {
		t.Fatal("session should be active with a trailing InProgress turn")
	}
}

func TestPrologueTurnForEventsBeforeFirstUser(t *testing.T) {
	base := time.Now().UTC()
	note := ev(base, nil, event.Notification{Text: "session started"})
	user := ev(base.Add(time.Second), nil, event.User{Text: "go"})

	sess := Assemble([]event.Event{note, user})

	if len(sess.Turns) != 2 {
		t.Fatalf("expected prologue + 1 real turn, got %d", len(sess.Turns))
	}
	if sess.Turns[0].Opening != nil {
		t.Fatal("expected prologue turn to have no opening User event")
	}
}

func TestTokenUsageAttributedToOwningTurn(t *testing.T) {
	base := time.Now().UTC()
	user := ev(base, nil, event.User{Text: "go"})
	msg := event.New(traceID, nil, base.Add(time.Second), event.Message{Text: "reply"})
	usageParent := msg.ID
	usage := ev(base.Add(2*time.Second), &usageParent, event.TokenUsage{Input: 10, Output: 20, Total: 30})

	sess := Assemble([]event.Event{user, msg, usage})

	if sess.Turns[0].Metrics.TokensTotal != 30 {
		t.Fatalf("expected 30 total tokens attributed, got %d", sess.Turns[0].Metrics.TokensTotal)
	}
}

func TestNewStepOpensWithoutInterveningMessage(t *testing.T) {
	base := time.Now().UTC()
	user := ev(base, nil, event.User{Text: "go"})
	callID1 := event.NewID()
	call1 := event.New(traceID, nil, base.Add(time.Second), event.ToolCall{Name: "a"})
	call1.ID = callID1
	result1 := ev(base.Add(2*time.Second), nil, event.ToolResult{ToolCallID: callID1})
	reasoning2 := ev(base.Add(3*time.Second), nil, event.Reasoning{Text: "more thinking"})
	msg := ev(base.Add(4*time.Second), nil, event.Message{Text: "final"})

	sess := Assemble([]event.Event{user, call1, result1, reasoning2, msg})

	if len(sess.Turns[0].Steps) != 2 {
		t.Fatalf("expected a new step to open at the second Reasoning, got %d steps", len(sess.Turns[0].Steps))
	}
}
