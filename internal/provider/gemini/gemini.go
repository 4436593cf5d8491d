// Package gemini implements the provider.Adapter for Gemini CLI's on-disk
// session snapshots: whole-document JSON files at
// ~/.gemini/tmp/<project-hash>/chats/session-*.json (plus a logs.json
// index alongside them). Unlike Claude/Codex, a Gemini file is not a
// stream of independent records: the whole document is read, then
// unfolded into the common event stream in one pass (spec §4.2).
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
	"github.com/google/uuid"
)

// Adapter implements provider.Adapter for Gemini CLI.
type Adapter struct{}

// New returns a Gemini adapter.
func New() *Adapter { return &Adapter{} }

func (*Adapter) Name() provider.Name { return provider.Gemini }

func (*Adapter) DefaultLogRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("gemini: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".gemini", "tmp"), nil
}

var sessionFileName = regexp.MustCompile(`^session-.*\.json$`)

func (*Adapter) CanHandle(path string) bool {
	base := filepath.Base(path)
	return sessionFileName.MatchString(base) && filepath.Base(filepath.Dir(path)) == "chats"
}

// snapshot is the whole-document shape of a Gemini chat session file.
type snapshot struct {
	SessionID   string         `json:"sessionId"`
	ProjectHash string         `json:"projectHash"`
	Messages    []snapMessage  `json:"messages"`
	Usage       *snapUsage     `json:"usage,omitempty"`
}

type snapMessage struct {
	Role      string     `json:"role"` // "user" | "model"
	Timestamp string     `json:"timestamp"`
	Parts     []snapPart `json:"parts"`
}

type snapPart struct {
	Text         string              `json:"text,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
	FunctionCall *snapFunctionCall   `json:"functionCall,omitempty"`
	FunctionResp *snapFunctionResult `json:"functionResponse,omitempty"`
}

type snapFunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type snapFunctionResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
	IsError  bool           `json:"isError"`
}

type snapUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func readSnapshot(path string) (snapshot, error) {
	var s snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("gemini: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("gemini: parse %s: %w", path, err)
	}
	return s, nil
}

func (a *Adapter) Scan(ctx context.Context, logRoot string, projectHash string) (<-chan provider.SessionHeader, error) {
	out := make(chan provider.SessionHeader)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(logRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() || !a.CanHandle(path) {
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
	hdr := provider.SessionHeader{Path: path, FileRole: provider.RoleMain}
	// project-hash directory is the parent of "chats".
	if dir := filepath.Dir(filepath.Dir(path)); dir != "" {
		hdr.ProjectHash = filepath.Base(dir)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		hdr.SessionID = strings.TrimSuffix(filepath.Base(path), ".json")
		hdr.ParseError = err
		return hdr
	}
	hdr.SessionID = snap.SessionID
	if hdr.SessionID == "" {
		hdr.SessionID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if snap.ProjectHash != "" {
		hdr.ProjectHash = snap.ProjectHash
	}

	var firstTS, lastTS time.Time
	for _, m := range snap.Messages {
		ts, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			continue
		}
		if firstTS.IsZero() {
			firstTS = ts
		}
		lastTS = ts
		if hdr.Snippet == "" && m.Role == "user" {
			for _, p := range m.Parts {
				if p.Text != "" {
					hdr.Snippet = snippet(p.Text, 200)
					break
				}
			}
		}
	}
	hdr.StartTS = firstTS
	if !lastTS.IsZero() {
		hdr.EndTS = &lastTS
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
		if d.IsDir() || !a.CanHandle(path) {
			return nil
		}
		if strings.Contains(d.Name(), sessionID) {
			matches = append(matches, path)
			return nil
		}
		snap, err := readSnapshot(path)
		if err == nil && snap.SessionID == sessionID {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: walk %s: %w", logRoot, err)
	}
	return matches, nil
}

func (a *Adapter) NormalizeFile(ctx context.Context, path string, traceID uuid.UUID, opts provider.LoadOptions) (<-chan provider.NormalizedEvent, error) {
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.NormalizedEvent)
	go func() {
		defer close(out)

		pending := provider.NewPendingCalls()
		var lastParent *uuid.UUID
		var lastGeneration *uuid.UUID
		seq := 0

		emit := func(ts time.Time, p event.Payload, rawLine string) uuid.UUID {
			e := event.New(traceID, lastParent, ts, p)
			e.SourceFile = path
			seq++
			e.SeqInFile = seq
			if opts.Raw {
				e.RawLine = rawLine
			}
			id := e.ID
			lastParent = &id
			if opts.Keep(p.Kind()) {
				out <- provider.NormalizedEvent{Event: e}
			}
			return id
		}

		for _, m := range snap.Messages {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ts, _ := time.Parse(time.RFC3339, m.Timestamp)

			for _, part := range m.Parts {
				switch {
				case part.Thought:
					emit(ts, event.Reasoning{Text: part.Text}, "")
				case part.FunctionCall != nil:
					fc := part.FunctionCall
					id := emit(ts, event.ToolCall{
						Name:         fc.Name,
						Arguments:    fc.Args,
						ProviderCall: fc.ID,
					}, "")
					pending.Record(fc.ID, id)
					lastGeneration = &id
				case part.FunctionResp != nil:
					fr := part.FunctionResp
					toolCallID, ok := pending.Resolve(fr.ID)
					output := ""
					if fr.Response != nil {
						if v, ok := fr.Response["output"]; ok {
							if s, ok := v.(string); ok {
								output = s
							}
						}
					}
					tr := event.ToolResult{Output: output, IsError: fr.IsError}
					if ok {
						tr.ToolCallID = toolCallID
						pending.Forget(fr.ID)
					} else {
						tr.Orphan = true
					}
					emit(ts, tr, "")
				case part.Text != "" && m.Role == "user":
					emit(ts, event.User{Text: part.Text}, "")
				case part.Text != "":
					id := emit(ts, event.Message{Text: part.Text}, "")
					lastGeneration = &id
				}
			}
		}

		if snap.Usage != nil && lastGeneration != nil {
			lastTS := time.Time{}
			if len(snap.Messages) > 0 {
				lastTS, _ = time.Parse(time.RFC3339, snap.Messages[len(snap.Messages)-1].Timestamp)
			}
			tu := event.TokenUsage{
				Input:  snap.Usage.PromptTokenCount,
				Output: snap.Usage.CandidatesTokenCount,
				Total:  snap.Usage.TotalTokenCount,
			}
			e := event.New(traceID, lastGeneration, lastTS, tu)
			e.SourceFile = path
			seq++
			e.SeqInFile = seq
			if opts.Keep(event.KindTokenUsage) {
				out <- provider.NormalizedEvent{Event: e}
			}
		}
	}()
	return out, nil
}
