// Package assembler folds a session's ordered event stream into Turns and
// Steps (spec §4.6). Turns and Steps are derived views, never persisted:
// the assembler is pure and re-runs over whatever the loader streams.
package assembler

import (
	"time"

	"github.com/google/uuid"

	"github.com/agtrace/agtrace/internal/event"
)

// Status is a Step or Turn's computed outcome (spec §4.6).
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Step groups a contiguous Reasoning-then-Action unit within a Turn.
type Step struct {
	Reasoning *event.Event
	Calls     []ToolCallPair
	Message   *event.Event
	Status    Status
}

// ToolCallPair preserves a ToolCall alongside its resolved ToolResult, if
// any, in original interleaving order.
type ToolCallPair struct {
	Call   event.Event
	Result *event.Event // nil while unresolved
}

// TurnMetrics is the set of per-turn aggregates spec §4.6 names.
type TurnMetrics struct {
	TokensInput  int            `json:"tokens_input"`
	TokensOutput int            `json:"tokens_output"`
	TokensTotal  int            `json:"tokens_total"`
	StepCount    int            `json:"step_count"`
	ToolsUsed    map[string]int `json:"tools_used,omitempty"`
	Duration     time.Duration  `json:"duration_ns"`
}

// Turn begins at a User event (or, for malformed sessions, the implicit
// prologue) and contains one or more Steps.
type Turn struct {
	Opening *event.Event // nil for the prologue turn
	Steps   []*Step
	Status  Status
	Metrics TurnMetrics
}

// Session is the assembler's output: a session's turns plus whether the
// last turn is still active.
type Session struct {
	Turns  []*Turn
	Active bool
}

// Assemble folds a fully-merged event stream (as produced by the loader)
// into turns and steps. TokenUsage events are attributed to the turn
// owning the generation event named by their ParentID; they never open or
// close a step themselves (spec §3, §4.6).
func Assemble(events []event.Event) Session {
	var turns []*Turn
	var current *Turn
	var step *Step

	tokensByParent := make(map[uuid.UUID][]event.TokenUsage)

	openTurn := func(opening *event.Event) *Turn {
		t := &Turn{Opening: opening, Metrics: TurnMetrics{ToolsUsed: make(map[string]int)}}
		turns = append(turns, t)
		step = nil
		return t
	}

	closeStep := func() {
		if step == nil || current == nil {
			return
		}
		step.Status = computeStepStatus(step)
		current.Steps = append(current.Steps, step)
		step = nil
	}

	ensureStep := func() *Step {
		if step == nil {
			step = &Step{}
		}
		return step
	}

	for i := range events {
		ev := events[i]

		switch ev.Payload.(type) {
		case event.TokenUsage:
			// Sidecar: recorded for later attribution, never folded
			// directly into a step (spec §3, §4.6 metrics).
			if ev.ParentID != nil {
				tokensByParent[*ev.ParentID] = append(tokensByParent[*ev.ParentID], ev.Payload.(event.TokenUsage))
			}
			continue
		case event.User:
			closeStep()
			current = openTurn(&ev)
			continue
		}

		if current == nil {
			current = openTurn(nil) // prologue turn (spec §4.6)
		}

		switch p := ev.Payload.(type) {
		case event.Reasoning:
			if step != nil && (step.Message != nil || len(step.Calls) > 0) {
				closeStep()
			}
			s := ensureStep()
			if s.Reasoning == nil {
				s.Reasoning = &ev
			}
		case event.ToolCall:
			if step != nil && step.Message != nil {
				closeStep()
			}
			s := ensureStep()
			s.Calls = append(s.Calls, ToolCallPair{Call: ev})
			current.Metrics.ToolsUsed[p.Name]++
		case event.ToolResult:
			s := ensureStep()
			attachResult(s, ev, p.ToolCallID)
		case event.Message:
			s := ensureStep()
			s.Message = &ev
			closeStep()
		case event.Notification:
			// provider meta; does not open or close a step.
		}
	}
	closeStep()

	for _, t := range turns {
		if len(t.Steps) > 0 {
			t.Status = t.Steps[len(t.Steps)-1].Status
		} else {
			t.Status = StatusDone
		}
		t.Metrics.StepCount = len(t.Steps)
		t.Metrics = withDuration(t.Metrics, turnEvents(t))
	}

	attributeTokens(turns, tokensByParent)

	active := len(turns) > 0 && turns[len(turns)-1].Status == StatusInProgress
	return Session{Turns: turns, Active: active}
}

// attachResult resolves a ToolResult against the most recent unresolved
// ToolCall in the current step carrying a matching id, preserving
// interleaving order (spec §3, §4.6).
func attachResult(s *Step, ev event.Event, toolCallID uuid.UUID) {
	for i := range s.Calls {
		if s.Calls[i].Call.ID == toolCallID && s.Calls[i].Result == nil {
			e := ev
			s.Calls[i].Result = &e
			return
		}
	}
	// Result for a call outside this step (loader already resolved or
	// orphaned cross-file linkage); attach as an unmatched trailing pair
	// so its is_error still drives step status.
	e := ev
	s.Calls = append(s.Calls, ToolCallPair{Result: &e})
}

// computeStepStatus implements spec §4.6's five-way rule in order.
func computeStepStatus(s *Step) Status {
	for _, c := range s.Calls {
		if c.Result != nil {
			if r, ok := c.Result.Payload.(event.ToolResult); ok && r.IsError {
				return StatusFailed
			}
		}
	}
	for _, c := range s.Calls {
		if c.Result == nil {
			return StatusInProgress
		}
	}
	if s.Message != nil || anyResolved(s.Calls) {
		return StatusDone
	}
	if s.Reasoning != nil {
		return StatusInProgress
	}
	return StatusDone
}

func anyResolved(calls []ToolCallPair) bool {
	for _, c := range calls {
		if c.Result != nil {
			return true
		}
	}
	return false
}

func turnEvents(t *Turn) []event.Event {
	var out []event.Event
	if t.Opening != nil {
		out = append(out, *t.Opening)
	}
	for _, s := range t.Steps {
		if s.Reasoning != nil {
			out = append(out, *s.Reasoning)
		}
		for _, c := range s.Calls {
			out = append(out, c.Call)
			if c.Result != nil {
				out = append(out, *c.Result)
			}
		}
		if s.Message != nil {
			out = append(out, *s.Message)
		}
	}
	return out
}

func withDuration(m TurnMetrics, events []event.Event) TurnMetrics {
	if len(events) == 0 {
		return m
	}
	first, last := events[0].Ts, events[0].Ts
	for _, ev := range events[1:] {
		if ev.Ts.Before(first) {
			first = ev.Ts
		}
		if ev.Ts.After(last) {
			last = ev.Ts
		}
	}
	m.Duration = last.Sub(first)
	return m
}

// attributeTokens sums TokenUsage sidecars whose ParentID names an event
// belonging to a turn (spec §4.6 "token totals").
func attributeTokens(turns []*Turn, byParent map[uuid.UUID][]event.TokenUsage) {
	for _, t := range turns {
		for _, ev := range turnEvents(t) {
			for _, tu := range byParent[ev.ID] {
				t.Metrics.TokensInput += tu.Input
				t.Metrics.TokensOutput += tu.Output
				t.Metrics.TokensTotal += tu.Total
			}
		}
	}
}
