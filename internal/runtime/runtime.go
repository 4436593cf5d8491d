// Package runtime implements the reactor loop (spec §4.8): a single
// SessionState fed by watcher events, with zero or more pure reactors
// producing at most one Warning each per tick.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agtrace/agtrace/internal/event"
)

// Usage aggregates token consumption counters (spec §4.8 "current usage").
type Usage struct {
	Input       int
	Output      int
	CacheCreate int
	CacheRead   int
}

// SessionState is the runtime's single piece of mutable state, updated
// deterministically from each event (spec §4.8).
type SessionState struct {
	Model            string
	ModelContextWindow int
	Usage            Usage
	LastActivity     time.Time
	TurnCount        int
	ErrorCount       int
	CurrentUserMessage string
	TurnActive       bool
}

// Apply folds one event into the state. It never errors: an event kind
// the state doesn't track is simply a no-op.
func (s *SessionState) Apply(ev event.Event) {
	s.LastActivity = ev.Ts

	switch p := ev.Payload.(type) {
	case event.User:
		s.TurnCount++
		s.TurnActive = true
		s.CurrentUserMessage = p.Text
	case event.Message:
		s.TurnActive = false
	case event.ToolResult:
		if p.IsError {
			s.ErrorCount++
		}
	case event.TokenUsage:
		s.Usage.Input += p.Input
		s.Usage.Output += p.Output
		if p.Details != nil {
			s.Usage.CacheCreate += p.Details.CacheCreate
			s.Usage.CacheRead += p.Details.CacheRead
		}
	}
}

// Warning is a reactor's output: at most one per tick (spec §4.8).
type Warning struct {
	Reactor string
	Kind    string
	Message string
}

// Reactor is a pure function of (event, state) producing at most one
// Warning. Reactors never suspend execution, signal, or mutate state
// beyond their own internal counters (spec §4.8).
type Reactor interface {
	Name() string
	React(ev event.Event, state *SessionState) *Warning
}

// Runtime forwards events through SessionState and a fixed-order
// reactor chain.
type Runtime struct {
	State    *SessionState
	Reactors []Reactor
}

// New builds a Runtime with the given reactors, run in the supplied order
// on every tick (spec §4.8 "reactors are run in fixed order").
func New(reactors ...Reactor) *Runtime {
	return &Runtime{State: &SessionState{}, Reactors: reactors}
}

// Tick applies ev to the state and runs every reactor over it in order,
// collecting at most one warning each.
func (r *Runtime) Tick(ev event.Event) []Warning {
	r.State.Apply(ev)

	var warnings []Warning
	for _, reactor := range r.Reactors {
		if w := reactor.React(ev, r.State); w != nil {
			warnings = append(warnings, *w)
		}
	}
	return warnings
}

// TokenUsageMonitor warns when cumulative usage crosses a configured
// fraction of the model's context window (spec §4.8).
type TokenUsageMonitor struct {
	Thresholds []float64 // e.g. []float64{0.8, 0.95}
	warned     map[float64]bool
}

// NewTokenUsageMonitor builds a monitor over the given ascending
// thresholds (fractions of ModelContextWindow).
func NewTokenUsageMonitor(thresholds ...float64) *TokenUsageMonitor {
	return &TokenUsageMonitor{Thresholds: thresholds, warned: make(map[float64]bool)}
}

func (m *TokenUsageMonitor) Name() string { return "token_usage_monitor" }

func (m *TokenUsageMonitor) React(ev event.Event, state *SessionState) *Warning {
	if state.ModelContextWindow <= 0 {
		return nil
	}
	total := state.Usage.Input + state.Usage.Output + state.Usage.CacheCreate + state.Usage.CacheRead
	fraction := float64(total) / float64(state.ModelContextWindow)

	for _, t := range m.Thresholds {
		if fraction >= t && !m.warned[t] {
			m.warned[t] = true
			return &Warning{
				Reactor: m.Name(),
				Kind:    "token_usage_threshold",
				Message: percentWarning(t, fraction),
			}
		}
	}
	return nil
}

func percentWarning(threshold, fraction float64) string {
	return fmt.Sprintf("token usage crossed %.0f%% of context window (%.1f%% used)", threshold*100, fraction*100)
}

// StallDetector warns when no event has arrived within an idle window
// while a turn is active (spec §4.8, default 60s).
type StallDetector struct {
	IdleWindow time.Duration
	lastWarned time.Time
	lastSeen   time.Time // timestamp of the previous event this detector saw
}

// NewStallDetector builds a detector with the given idle window (0 uses
// the spec default of 60 seconds).
func NewStallDetector(idleWindow time.Duration) *StallDetector {
	if idleWindow <= 0 {
		idleWindow = 60 * time.Second
	}
	return &StallDetector{IdleWindow: idleWindow}
}

func (d *StallDetector) Name() string { return "stall_detector" }

func (d *StallDetector) React(ev event.Event, state *SessionState) *Warning {
	// Runtime.Tick applies ev before reactors run, so state.LastActivity
	// is already ev.Ts there; the gap is measured from the previous event.
	prev := d.lastSeen
	d.lastSeen = ev.Ts
	if prev.IsZero() {
		prev = state.LastActivity
	}
	if !state.TurnActive {
		return nil
	}
	if prev.IsZero() {
		return nil
	}
	idle := ev.Ts.Sub(prev)
	if idle < d.IdleWindow {
		return nil
	}
	if !d.lastWarned.IsZero() && ev.Ts.Sub(d.lastWarned) < d.IdleWindow {
		return nil
	}
	d.lastWarned = ev.Ts
	return &Warning{
		Reactor: d.Name(),
		Kind:    "stall",
		Message: "no new events for " + idle.Round(time.Second).String() + " during an active turn",
	}
}

// SafetyGuard inspects ToolCall arguments for suspicious filesystem
// patterns: path escapes, absolute paths outside the user tree, and
// system directories (spec §4.8; the system-directory pattern set is a
// policy decision loaded from YAML, not a core invariant — see §9).
type SafetyGuard struct {
	UserRoot        string
	SystemPatterns  []string
}

// safetyPolicy is the YAML document shape SystemPatterns is loaded from
// (spec §9 "a policy decision, not a core invariant").
type safetyPolicy struct {
	SystemPatterns []string `yaml:"system_patterns"`
}

// LoadSafetyPolicy reads a YAML policy document and returns the
// system-directory glob patterns it declares. Adapted from the teacher's
// YAML-frontmatter decoding in internal/skills (yaml.Unmarshal over a
// plain os.ReadFile), without the markdown frontmatter wrapper a policy
// file has no need for.
func LoadSafetyPolicy(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: read safety policy %s: %w", path, err)
	}
	var policy safetyPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("runtime: parse safety policy %s: %w", path, err)
	}
	return policy.SystemPatterns, nil
}

func (g *SafetyGuard) Name() string { return "safety_guard" }

func (g *SafetyGuard) React(ev event.Event, state *SessionState) *Warning {
	call, ok := ev.Payload.(event.ToolCall)
	if !ok {
		return nil
	}
	for _, v := range call.Arguments {
		path, ok := v.(string)
		if !ok {
			continue
		}
		if reason := g.suspicious(path); reason != "" {
			return &Warning{
				Reactor: g.Name(),
				Kind:    "unsafe_path",
				Message: reason,
			}
		}
	}
	return nil
}

func (g *SafetyGuard) suspicious(path string) string {
	if strings.Contains(path, "..") {
		return "path argument contains a parent-directory escape: " + path
	}
	for _, pattern := range g.SystemPatterns {
		if matched, _ := filepath.Match(pattern, path); matched {
			return "path argument matches a system directory pattern: " + path
		}
	}
	if filepath.IsAbs(path) && g.UserRoot != "" && !strings.HasPrefix(path, g.UserRoot) {
		return "absolute path argument falls outside the user tree: " + path
	}
	return ""
}
