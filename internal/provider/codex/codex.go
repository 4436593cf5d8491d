// Package codex implements the provider.Adapter for Codex's on-disk
// session rollouts: JSON-lines files at
// ~/.codex/sessions/YYYY/MM/DD/rollout-*-<session-id>.jsonl.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
	"github.com/google/uuid"
)

// Adapter implements provider.Adapter for Codex.
type Adapter struct{}

// New returns a Codex adapter.
func New() *Adapter { return &Adapter{} }

func (*Adapter) Name() provider.Name { return provider.Codex }

func (*Adapter) DefaultLogRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("codex: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".codex", "sessions"), nil
}

var rolloutName = regexp.MustCompile(`^rollout-.*-([0-9a-fA-F-]{8,})\.jsonl$`)

func sessionIDFromFilename(name string) string {
	m := rolloutName.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

func (*Adapter) CanHandle(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "rollout-") && strings.HasSuffix(base, ".jsonl")
}

type rawRecord struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	CallID    string          `json:"call_id"`
	Output    string          `json:"output"`
	Timestamp string          `json:"timestamp"`
	Cwd       string          `json:"cwd"`
	Input     int             `json:"input_tokens"`
	Output_   int             `json:"output_tokens"`
}

func (a *Adapter) Scan(ctx context.Context, logRoot string, projectHash string) (<-chan provider.SessionHeader, error) {
	out := make(chan provider.SessionHeader)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(logRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".jsonl") || !strings.HasPrefix(d.Name(), "rollout-") {
				return nil
			}
			select {
			case <-ctx.Done():
				return filepath.SkipAll
			default:
			}
			hdr := a.extractHeader(path)
			select {
			case out <- hdr:
			case <-ctx.Done():
				return filepath.SkipAll
			}
			return nil
		})
	}()
	return out, nil
}

func (a *Adapter) extractHeader(path string) provider.SessionHeader {
	hdr := provider.SessionHeader{
		Path:     path,
		FileRole: provider.RoleMain,
		SessionID: sessionIDFromFilename(filepath.Base(path)),
	}

	f, err := os.Open(path)
	if err != nil {
		hdr.ParseError = fmt.Errorf("codex: open %s: %w", path, err)
		return hdr
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	const headerLineBudget = 20
	var firstTS, lastTS time.Time
	lines := 0
	for sc.Scan() && lines < headerLineBudget {
		lines++
		var rr rawRecord
		if err := json.Unmarshal(sc.Bytes(), &rr); err != nil {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, rr.Timestamp); err == nil {
			if firstTS.IsZero() {
				firstTS = ts
			}
			lastTS = ts
		}
		if hdr.Snippet == "" && rr.Type == "message" && rr.Role == "user" && rr.Content != "" {
			hdr.Snippet = snippet(rr.Content, 200)
		}
		if hdr.ProjectRoot == "" && rr.Cwd != "" {
			hdr.ProjectRoot = rr.Cwd
		}
	}
	hdr.StartTS = firstTS
	if !lastTS.IsZero() {
		hdr.EndTS = &lastTS
	}
	if hdr.SessionID == "" {
		hdr.SessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
		hdr.ParseError = fmt.Errorf("codex: %s: could not parse session id from filename", path)
	}
	return hdr
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (a *Adapter) FindSessionFiles(logRoot, sessionID string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(logRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if sessionIDFromFilename(d.Name()) == sessionID {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codex: walk %s: %w", logRoot, err)
	}
	return matches, nil
}

var exitCodePattern = regexp.MustCompile(`Exit code:\s*(-?\d+)`)

func (a *Adapter) NormalizeFile(ctx context.Context, path string, traceID uuid.UUID, opts provider.LoadOptions) (<-chan provider.NormalizedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("codex: open %s: %w", path, err)
	}

	out := make(chan provider.NormalizedEvent)
	go func() {
		defer f.Close()
		defer close(out)

		pending := provider.NewPendingCalls()
		var lastParent *uuid.UUID
		var lastGeneration *uuid.UUID

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
		seq := 0
		for sc.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			seq++
			line := sc.Bytes()
			var rr rawRecord
			if err := json.Unmarshal(line, &rr); err != nil {
				out <- provider.NormalizedEvent{Err: fmt.Errorf("codex: %s:%d: %w", path, seq, err)}
				continue
			}
			ts, _ := time.Parse(time.RFC3339, rr.Timestamp)

			emit := func(p event.Payload) uuid.UUID {
				e := event.New(traceID, lastParent, ts, p)
				e.SourceFile = path
				e.SeqInFile = seq
				if opts.Raw {
					e.RawLine = string(line)
				}
				id := e.ID
				lastParent = &id
				if opts.Keep(p.Kind()) {
					out <- provider.NormalizedEvent{Event: e}
				}
				return id
			}

			switch rr.Type {
			case "message":
				switch rr.Role {
				case "user":
					emit(event.User{Text: rr.Content})
				case "assistant":
					id := emit(event.Message{Text: rr.Content})
					lastGeneration = &id
				}
			case "reasoning":
				emit(event.Reasoning{Text: rr.Text})
			case "function_call":
				var args map[string]any
				_ = json.Unmarshal([]byte(rr.Arguments), &args)
				id := emit(event.ToolCall{
					Name:         rr.Name,
					Arguments:    args,
					ProviderCall: rr.CallID,
				})
				pending.Record(rr.CallID, id)
				lastGeneration = &id
			case "function_call_output":
				toolCallID, ok := pending.Resolve(rr.CallID)
				tr := event.ToolResult{Output: rr.Output}
				if m := exitCodePattern.FindStringSubmatch(rr.Output); m != nil {
					if code, err := strconv.Atoi(m[1]); err == nil {
						tr.IsError = code != 0
					}
				}
				if ok {
					tr.ToolCallID = toolCallID
					pending.Forget(rr.CallID)
				} else {
					tr.Orphan = true
				}
				emit(tr)
			case "token_count":
				if lastGeneration == nil {
					continue
				}
				tu := event.TokenUsage{
					Input:  rr.Input,
					Output: rr.Output_,
					Total:  rr.Input + rr.Output_,
				}
				e := event.New(traceID, lastGeneration, ts, tu)
				e.SourceFile = path
				e.SeqInFile = seq
				if opts.Keep(event.KindTokenUsage) {
					out <- provider.NormalizedEvent{Event: e}
				}
			}
		}
		if err := sc.Err(); err != nil {
			out <- provider.NormalizedEvent{Err: fmt.Errorf("codex: %s: scan: %w", path, err)}
		}
	}()
	return out, nil
}
