package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agtrace/agtrace/internal/event"
)

var traceID = uuid.New()

func ev(ts time.Time, p event.Payload) event.Event {
	return event.New(traceID, nil, ts, p)
}

func TestTokenUsageMonitorWarnsOnceAtEachThreshold(t *testing.T) {
	mon := NewTokenUsageMonitor(0.8, 0.95)
	state := &SessionState{ModelContextWindow: 1000}
	base := time.Now().UTC()

	tick := func(offset time.Duration, input, output int) *Warning {
		e := ev(base.Add(offset), event.TokenUsage{Input: input, Output: output})
		state.Apply(e)
		return mon.React(e, state)
	}

	if warn := tick(0, 300, 300); warn != nil {
		t.Fatalf("expected no warning below threshold, got %+v", warn)
	}
	if warn := tick(time.Second, 100, 100); warn == nil {
		t.Fatal("expected a warning once usage crosses 80%")
	}
	if warn := tick(2*time.Second, 10, 10); warn != nil {
		t.Fatalf("expected no repeat warning at the same threshold, got %+v", warn)
	}
}

func TestStallDetectorWarnsAfterIdleWindowDuringActiveTurn(t *testing.T) {
	det := NewStallDetector(10 * time.Second)
	state := &SessionState{}

	base := time.Now().UTC()
	state.Apply(ev(base, event.User{Text: "go"}))

	warn := det.React(ev(base.Add(5*time.Second), event.Notification{Text: "tick"}), state)
	if warn != nil {
		t.Fatalf("expected no warning before idle window elapses, got %+v", warn)
	}

	warn = det.React(ev(base.Add(15*time.Second), event.Notification{Text: "tick"}), state)
	if warn == nil {
		t.Fatal("expected a stall warning after the idle window elapses")
	}
}

func TestStallDetectorSilentAfterTurnCloses(t *testing.T) {
	det := NewStallDetector(10 * time.Second)
	state := &SessionState{}

	base := time.Now().UTC()
	state.Apply(ev(base, event.User{Text: "go"}))
	state.Apply(ev(base.Add(time.Second), event.Message{Text: "done"}))

	warn := det.React(ev(base.Add(30*time.Second), event.Notification{Text: "tick"}), state)
	if warn != nil {
		t.Fatalf("expected no stall warning once the turn is no longer active, got %+v", warn)
	}
}

func TestSafetyGuardFlagsParentDirectoryEscape(t *testing.T) {
	guard := &SafetyGuard{UserRoot: "/home/user/project"}
	state := &SessionState{}

	call := event.ToolCall{Name: "read_file", Arguments: map[string]any{"path": "../../etc/passwd"}}
	warn := guard.React(ev(time.Now().UTC(), call), state)
	if warn == nil {
		t.Fatal("expected a warning for a path escape")
	}
}

func TestSafetyGuardFlagsSystemDirectoryPattern(t *testing.T) {
	guard := &SafetyGuard{UserRoot: "/home/user/project", SystemPatterns: []string{"/etc/*"}}
	state := &SessionState{}

	call := event.ToolCall{Name: "read_file", Arguments: map[string]any{"path": "/etc/shadow"}}
	warn := guard.React(ev(time.Now().UTC(), call), state)
	if warn == nil {
		t.Fatal("expected a warning for a system directory pattern match")
	}
}

func TestSafetyGuardAllowsPathsInsideUserRoot(t *testing.T) {
	guard := &SafetyGuard{UserRoot: "/home/user/project"}
	state := &SessionState{}

	call := event.ToolCall{Name: "read_file", Arguments: map[string]any{"path": "/home/user/project/main.go"}}
	warn := guard.React(ev(time.Now().UTC(), call), state)
	if warn != nil {
		t.Fatalf("expected no warning for a path inside the user tree, got %+v", warn)
	}
}

func TestLoadSafetyPolicyReadsSystemPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("system_patterns:\n  - \"/etc/*\"\n  - \"/sys/*\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	patterns, err := LoadSafetyPolicy(path)
	if err != nil {
		t.Fatalf("load safety policy: %v", err)
	}
	if len(patterns) != 2 || patterns[0] != "/etc/*" {
		t.Fatalf("unexpected patterns: %+v", patterns)
	}
}

func TestRuntimeTickRunsReactorsInOrder(t *testing.T) {
	rt := New(NewStallDetector(time.Hour), &SafetyGuard{UserRoot: "/home/user"})
	rt.State.ModelContextWindow = 1000

	call := event.ToolCall{Name: "exec", Arguments: map[string]any{"cmd": "../escape"}}
	warnings := rt.Tick(ev(time.Now().UTC(), call))
	if len(warnings) != 1 || warnings[0].Reactor != "safety_guard" {
		t.Fatalf("expected exactly one safety_guard warning, got %+v", warnings)
	}
}
