// Package claude implements the provider.Adapter for Claude Code's
// on-disk session transcripts: JSON-lines files under
// ~/.claude/projects/<encoded-cwd>/, one main file per session plus zero or
// more agent-*.jsonl sidechain files sharing the same session id.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
	"github.com/google/uuid"
)

// Adapter implements provider.Adapter for Claude Code.
type Adapter struct{}

// New returns a Claude adapter.
func New() *Adapter { return &Adapter{} }

func (*Adapter) Name() provider.Name { return provider.Claude }

func (*Adapter) DefaultLogRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("claude: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// EncodeCwd applies Claude's directory-name convention: "/" becomes "-".
func EncodeCwd(cwd string) string {
	return strings.ReplaceAll(cwd, string(filepath.Separator), "-")
}

// DecodeProjectDir reverses EncodeCwd on a best-effort basis. Claude's
// encoding is lossy (it cannot distinguish a literal "-" in a path
// component from the separator), so this is used only to populate
// SessionHeader.ProjectRoot as a hint; project identity is keyed by the
// scanner's canonicalized hash, not by this string.
func DecodeProjectDir(dir string) string {
	if strings.HasPrefix(dir, "-") {
		return strings.ReplaceAll(dir, "-", string(filepath.Separator))
	}
	return dir
}

func (*Adapter) CanHandle(path string) bool {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") {
		return false
	}
	if strings.HasPrefix(base, "agent-") {
		return true
	}
	dir := filepath.Dir(path)
	return filepath.Base(filepath.Dir(dir)) == "projects" || looksLikeClaudeLine(path)
}

// looksLikeClaudeLine sniffs the first line for Claude's envelope shape
// when the path alone is ambiguous.
func looksLikeClaudeLine(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !sc.Scan() {
		return false
	}
	var probe struct {
		SessionID string `json:"sessionId"`
		Message   *struct {
			Role string `json:"role"`
		} `json:"message"`
	}
	if err := json.Unmarshal(sc.Bytes(), &probe); err != nil {
		return false
	}
	return probe.SessionID != "" && probe.Message != nil
}

// rawLine mirrors the subset of Claude's JSONL envelope that scanning and
// normalization both need.
type rawLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Timestamp string          `json:"timestamp"`
	UUID      string          `json:"uuid"`
	Parent    string          `json:"parentUuid"`
	Message   *rawMessage     `json:"message"`
	Usage     json.RawMessage `json:"usage"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`      // tool_use
	Name      string          `json:"name"`    // tool_use
	Input     json.RawMessage `json:"input"`   // tool_use
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"` // tool_result
	IsError   bool            `json:"is_error"`
}

func (a *Adapter) Scan(ctx context.Context, logRoot string, projectHash string) (<-chan provider.SessionHeader, error) {
	out := make(chan provider.SessionHeader)
	go func() {
		defer close(out)
		entries, err := os.ReadDir(logRoot)
		if err != nil {
			return
		}
		for _, projDir := range entries {
			if !projDir.IsDir() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			dirPath := filepath.Join(logRoot, projDir.Name())
			files, err := os.ReadDir(dirPath)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
					continue
				}
				path := filepath.Join(dirPath, f.Name())
				role := provider.RoleMain
				if strings.HasPrefix(f.Name(), "agent-") {
					role = provider.RoleSidechain
				}
				hdr := a.extractHeader(path, role, projDir.Name())
				select {
				case out <- hdr:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// extractHeader reads a bounded prefix of path and derives a SessionHeader.
// It never returns an error: on any parse trouble it emits a minimal header
// with ParseError set (spec §4.4 failure model).
func (a *Adapter) extractHeader(path string, role provider.FileRole, projDirName string) provider.SessionHeader {
	hdr := provider.SessionHeader{
		Path:        path,
		FileRole:    role,
		ProjectRoot: DecodeProjectDir(projDirName),
	}

	f, err := os.Open(path)
	if err != nil {
		hdr.ParseError = fmt.Errorf("claude: open %s: %w", path, err)
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
		var rl rawLine
		if err := json.Unmarshal(sc.Bytes(), &rl); err != nil {
			continue
		}
		if hdr.SessionID == "" && rl.SessionID != "" {
			hdr.SessionID = rl.SessionID
		}
		if ts, err := time.Parse(time.RFC3339, rl.Timestamp); err == nil {
			if firstTS.IsZero() {
				firstTS = ts
			}
			lastTS = ts
		}
		if hdr.Snippet == "" && rl.Message != nil && rl.Message.Role == "user" {
			if text := firstTextBlock(rl.Message.Content); text != "" {
				hdr.Snippet = snippet(text, 200)
			}
		}
	}
	hdr.StartTS = firstTS
	if !lastTS.IsZero() {
		hdr.EndTS = &lastTS
	}
	if hdr.SessionID == "" {
		// Fall back to filename so the file is still indexable.
		hdr.SessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
		hdr.ParseError = fmt.Errorf("claude: %s: no sessionId found in header lines", path)
	}
	return hdr
}

func firstTextBlock(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
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
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		return nil, fmt.Errorf("claude: read %s: %w", logRoot, err)
	}
	for _, projDir := range entries {
		if !projDir.IsDir() {
			continue
		}
		dirPath := filepath.Join(logRoot, projDir.Name())
		mainPath := filepath.Join(dirPath, sessionID+".jsonl")
		if _, err := os.Stat(mainPath); err == nil {
			matches = append(matches, mainPath)
			files, err := os.ReadDir(dirPath)
			if err != nil {
				continue
			}
			for _, f := range files {
				if strings.HasPrefix(f.Name(), "agent-") && strings.HasSuffix(f.Name(), ".jsonl") {
					matches = append(matches, filepath.Join(dirPath, f.Name()))
				}
			}
			return matches, nil
		}
	}
	return matches, nil
}

func (a *Adapter) NormalizeFile(ctx context.Context, path string, traceID uuid.UUID, opts provider.LoadOptions) (<-chan provider.NormalizedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("claude: open %s: %w", path, err)
	}

	out := make(chan provider.NormalizedEvent)
	go func() {
		defer f.Close()
		defer close(out)

		pending := provider.NewPendingCalls()
		var lastParent *uuid.UUID
		var lastGeneration *uuid.UUID // most recent ToolCall/Message id, for TokenUsage sidecars

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
			var rl rawLine
			if err := json.Unmarshal(line, &rl); err != nil {
				out <- provider.NormalizedEvent{Err: fmt.Errorf("claude: %s:%d: %w", path, seq, err)}
				continue
			}
			ts, _ := time.Parse(time.RFC3339, rl.Timestamp)

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

			if rl.Message == nil {
				if rl.Type == "system" || rl.Type == "summary" {
					continue
				}
				continue
			}

			blocks, isString := contentBlocks(rl.Message.Content)
			if isString {
				if rl.Message.Role == "user" {
					emit(event.User{Text: blocks[0].Text})
				} else {
					id := emit(event.Message{Text: blocks[0].Text})
					lastGeneration = &id
				}
			} else {
				for _, b := range blocks {
					switch b.Type {
					case "tool_result":
						// Content-type dominates role: a tool_result wrapped
						// in message.role=user is still a ToolResult, never
						// a User event (spec §3, §8 scenario 1).
						toolCallID, ok := pending.Resolve(b.ToolUseID)
						tr := event.ToolResult{
							Output:  toolResultText(b.Content),
							IsError: b.IsError,
						}
						if ok {
							tr.ToolCallID = toolCallID
							pending.Forget(b.ToolUseID)
						} else {
							tr.Orphan = true
						}
						emit(tr)
					case "tool_use":
						var args map[string]any
						_ = json.Unmarshal(b.Input, &args)
						id := emit(event.ToolCall{
							Name:         b.Name,
							Arguments:    args,
							ProviderCall: b.ID,
							Specialized:  specializeClaudeTool(b.Name, args),
						})
						pending.Record(b.ID, id)
						lastGeneration = &id
					case "thinking":
						emit(event.Reasoning{Text: b.Thinking})
					case "text":
						if b.Text == "" {
							continue
						}
						if rl.Message.Role == "user" {
							emit(event.User{Text: b.Text})
						} else {
							id := emit(event.Message{Text: b.Text})
							lastGeneration = &id
						}
					}
				}
			}

			if len(rl.Usage) > 0 && lastGeneration != nil {
				if tu, ok := parseUsage(rl.Usage); ok {
					e := event.New(traceID, lastGeneration, ts, tu)
					e.SourceFile = path
					e.SeqInFile = seq
					if opts.Keep(event.KindTokenUsage) {
						out <- provider.NormalizedEvent{Event: e}
					}
				}
			}
		}

		// Unmatched ToolResults were already flagged Orphan above; the
		// loader holds them until its merged stream ends (spec §4.5).
		if err := sc.Err(); err != nil {
			out <- provider.NormalizedEvent{Err: fmt.Errorf("claude: %s: scan: %w", path, err)}
		}
	}()
	return out, nil
}

func contentBlocks(content json.RawMessage) ([]rawContentBlock, bool) {
	if len(content) == 0 {
		return nil, true
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return []rawContentBlock{{Type: "text", Text: asString}}, true
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, true
	}
	return blocks, false
}

func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Text != "" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(bytes.TrimSpace(content))
}

func parseUsage(raw json.RawMessage) (event.TokenUsage, bool) {
	var u struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return event.TokenUsage{}, false
	}
	return event.TokenUsage{
		Input:  u.InputTokens,
		Output: u.OutputTokens,
		Total:  u.InputTokens + u.OutputTokens,
		Details: &event.TokenUsageDetails{
			CacheCreate: u.CacheCreationTokens,
			CacheRead:   u.CacheReadTokens,
		},
	}, true
}

// specializeClaudeTool refines well-known Claude Code tool names into the
// shared ToolShape union (spec §3).
func specializeClaudeTool(name string, args map[string]any) event.ToolShape {
	str := func(k string) string {
		if v, ok := args[k].(string); ok {
			return v
		}
		return ""
	}
	switch name {
	case "Read":
		return event.FileRead{Path: str("file_path")}
	case "Write":
		return event.FileWrite{Path: str("file_path"), Content: str("content")}
	case "Edit":
		return event.FileEdit{Path: str("file_path"), Old: str("old_string"), New: str("new_string")}
	case "Bash":
		return event.ShellExec{Command: str("command")}
	default:
		return nil
	}
}
