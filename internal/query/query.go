// Package query implements the read-only query surface (spec §4.9): thin
// operations over the pointer index and assembled sessions, exposed as
// plain Go methods on Service so an external MCP server, CLI, or test can
// call them directly with no RPC framing in between.
package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/muesli/reflow/truncate"

	"github.com/agtrace/agtrace/internal/apperr"
	"github.com/agtrace/agtrace/internal/assembler"
	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/index"
	"github.com/agtrace/agtrace/internal/loader"
	"github.com/agtrace/agtrace/internal/provider"
)

// previewWidth is the cap on search_event_previews entries (spec §4.9).
const previewWidth = 300

// Pagination is embedded in every paginated response (spec §4.9, §6).
type Pagination struct {
	InPage     int    `json:"in_page"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Response wraps one page of data with its pagination state and an
// optional caller hint, matching the `{ data, pagination, hint? }` shape
// every query operation returns (spec §4.9).
type Response[T any] struct {
	Data       T          `json:"data"`
	Pagination Pagination `json:"pagination"`
	Hint       string     `json:"hint,omitempty"`
}

// Service exposes the query surface over an index, a loader, and the
// provider registry used to resolve adapters for project counting.
type Service struct {
	store    *index.Store
	loader   *loader.Loader
	registry *provider.Registry
	pageSize int
}

// New builds a Service. pageSize controls the default page length for
// offset-cursor operations (list_sessions, search_event_previews); 0 uses
// a sensible default.
func New(store *index.Store, ld *loader.Loader, registry *provider.Registry, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Service{store: store, loader: ld, registry: registry, pageSize: pageSize}
}

// decodeCursor recovers the offset encoded by encodeCursor, validating it
// still matches filterKey so a cursor can't be replayed across a
// different filter (spec §4.9 "opaque cursors").
func decodeCursor(cursor, filterKey string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apperr.New(apperr.CodeInvalidCursor, "cursor is not validly encoded")
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, apperr.New(apperr.CodeInvalidCursor, "cursor is malformed")
	}
	if parts[0] != filterKey {
		return 0, apperr.New(apperr.CodeInvalidCursor, "cursor does not match the current filter")
	}
	offset, err := strconv.Atoi(parts[1])
	if err != nil || offset < 0 {
		return 0, apperr.New(apperr.CodeInvalidCursor, "cursor offset is invalid")
	}
	return offset, nil
}

func encodeCursor(filterKey string, offset int) string {
	raw := fmt.Sprintf("%s:%d", filterKey, offset)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// SessionSummary is one row of list_sessions (spec §4.9).
type SessionSummary struct {
	ID          string    `json:"id"`
	ProjectHash string    `json:"project_hash"`
	Provider    string    `json:"provider"`
	StartTS     time.Time `json:"start_ts"`
	EndTS       *time.Time `json:"end_ts,omitempty"`
	Snippet     string    `json:"snippet"`
	RelativeAge string    `json:"relative_age"`
}

// ListSessionsFilter narrows the indexed session set.
type ListSessionsFilter struct {
	ProjectHash string
	Provider    string
}

func (f ListSessionsFilter) key() string {
	return f.ProjectHash + "|" + f.Provider
}

// ListSessions returns indexed sessions, most recent first, with
// relative-time snippet truncation (spec §4.9).
func (s *Service) ListSessions(ctx context.Context, filter ListSessionsFilter, limit int, cursor string) (Response[[]SessionSummary], error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	offset, err := decodeCursor(cursor, filter.key())
	if err != nil {
		return Response[[]SessionSummary]{}, err
	}

	sessions, err := s.store.ListSessions(ctx, index.Filter{ProjectHash: filter.ProjectHash, Provider: filter.Provider}, limit+1, offset)
	if err != nil {
		return Response[[]SessionSummary]{}, apperr.Internal(err)
	}

	hasMore := len(sessions) > limit
	if hasMore {
		sessions = sessions[:limit]
	}

	now := time.Now().UTC()
	out := make([]SessionSummary, len(sessions))
	for i, sess := range sessions {
		out[i] = SessionSummary{
			ID:          sess.ID,
			ProjectHash: sess.ProjectHash,
			Provider:    sess.Provider,
			StartTS:     sess.StartTS,
			EndTS:       sess.EndTS,
			Snippet:     truncatePreview(sess.Snippet, previewWidth),
			RelativeAge: relativeAge(now, sess.StartTS),
		}
	}

	pag := Pagination{InPage: len(out), HasMore: hasMore}
	if hasMore {
		pag.NextCursor = encodeCursor(filter.key(), offset+limit)
	}
	return Response[[]SessionSummary]{Data: out, Pagination: pag}, nil
}

// ProjectInfo is one row of get_project_info (spec §4.9).
type ProjectInfo struct {
	Hash          string    `json:"hash"`
	RootPath      string    `json:"root_path"`
	SessionCount  int       `json:"session_count"`
	LastScannedAt time.Time `json:"last_scanned_at"`
}

// GetProjectInfo lists every project that has at least one valid indexed
// session, with its session count (spec §4.9). Only Hash and
// SessionCount are filled; RootPath and LastScannedAt are left empty.
// Unpaginated: project counts are small and bounded by how many
// distinct roots have ever been scanned.
func (s *Service) GetProjectInfo(ctx context.Context) (Response[[]ProjectInfo], error) {
	sessions, err := s.store.ListSessions(ctx, index.Filter{}, 1_000_000, 0)
	if err != nil {
		return Response[[]ProjectInfo]{}, apperr.Internal(err)
	}

	counts := make(map[string]int)
	for _, sess := range sessions {
		counts[sess.ProjectHash]++
	}

	hashes := make([]string, 0, len(counts))
	for h := range counts {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	out := make([]ProjectInfo, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, ProjectInfo{Hash: h, SessionCount: counts[h]})
	}

	pag := Pagination{InPage: len(out), HasMore: false}
	return Response[[]ProjectInfo]{Data: out, Pagination: pag}, nil
}

// TurnSummary is one row of list_turns: metadata only, no payloads
// (spec §4.9).
type TurnSummary struct {
	Index     int                  `json:"index"`
	Opening   string               `json:"opening,omitempty"`
	Status    assembler.Status     `json:"status"`
	StepCount int                  `json:"step_count"`
	Metrics   assembler.TurnMetrics `json:"metrics"`
}

// ListTurns loads sessionIDOrPrefix and returns per-turn summaries, paged
// by a plain offset window (spec §4.9).
func (s *Service) ListTurns(ctx context.Context, sessionIDOrPrefix string, offset, limit int) (Response[[]TurnSummary], error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	sess, err := s.assembleSession(ctx, sessionIDOrPrefix)
	if err != nil {
		return Response[[]TurnSummary]{}, err
	}

	total := len(sess.Turns)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]TurnSummary, 0, end-offset)
	for i := offset; i < end; i++ {
		t := sess.Turns[i]
		summary := TurnSummary{Index: i, Status: t.Status, StepCount: len(t.Steps), Metrics: t.Metrics}
		if t.Opening != nil {
			if u, ok := t.Opening.Payload.(event.User); ok {
				summary.Opening = truncatePreview(u.Text, previewWidth)
			}
		}
		out = append(out, summary)
	}

	pag := Pagination{InPage: len(out), HasMore: end < total}
	if pag.HasMore {
		pag.NextCursor = strconv.Itoa(end)
	}
	return Response[[]TurnSummary]{Data: out, Pagination: pag}, nil
}

// StepDetail is a materialized, bounded view of one Step within
// get_turns' response (spec §4.9).
type StepDetail struct {
	Reasoning string          `json:"reasoning,omitempty"`
	Calls     []ToolCallView  `json:"calls,omitempty"`
	Message   string          `json:"message,omitempty"`
	Status    assembler.Status `json:"status"`
	Truncated bool            `json:"truncated,omitempty"`
}

// ToolCallView is a materialized ToolCall/ToolResult pair (spec §4.9).
type ToolCallView struct {
	Name      string `json:"name"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Resolved  bool   `json:"resolved"`
	Truncated bool   `json:"truncated,omitempty"`
}

// TurnDetail is one row of get_turns: materialized payloads with bounded
// truncation markers (spec §4.9).
type TurnDetail struct {
	Index   int              `json:"index"`
	Status  assembler.Status `json:"status"`
	Metrics assembler.TurnMetrics `json:"metrics"`
	Steps   []StepDetail     `json:"steps"`
}

// GetTurns materializes the turns at indices, each step capped to
// stepCap steps and each text field capped to fieldCap characters
// (spec §4.9). stepCap <= 0 disables the step cap; fieldCap <= 0 uses
// the 300-character preview width.
func (s *Service) GetTurns(ctx context.Context, sessionIDOrPrefix string, indices []int, stepCap, fieldCap int) (Response[[]TurnDetail], error) {
	sess, err := s.assembleSession(ctx, sessionIDOrPrefix)
	if err != nil {
		return Response[[]TurnDetail]{}, err
	}
	if fieldCap <= 0 {
		fieldCap = previewWidth
	}

	out := make([]TurnDetail, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(sess.Turns) {
			return Response[[]TurnDetail]{}, apperr.Newf(apperr.CodeInvalidEventIndex, "turn index %d is out of range (session has %d turns)", idx, len(sess.Turns))
		}
		out = append(out, materializeTurn(idx, sess.Turns[idx], stepCap, fieldCap))
	}

	pag := Pagination{InPage: len(out), HasMore: false}
	return Response[[]TurnDetail]{Data: out, Pagination: pag}, nil
}

func materializeTurn(idx int, t *assembler.Turn, stepCap, fieldCap int) TurnDetail {
	steps := t.Steps
	detail := TurnDetail{Index: idx, Status: t.Status, Metrics: t.Metrics}
	if stepCap > 0 && len(steps) > stepCap {
		steps = steps[:stepCap]
	}
	detail.Steps = make([]StepDetail, len(steps))
	for i, step := range steps {
		detail.Steps[i] = materializeStep(step, fieldCap)
	}
	return detail
}

func materializeStep(step *assembler.Step, fieldCap int) StepDetail {
	d := StepDetail{Status: step.Status}
	if step.Reasoning != nil {
		if r, ok := step.Reasoning.Payload.(event.Reasoning); ok {
			d.Reasoning, d.Truncated = truncateField(r.Text, fieldCap, d.Truncated)
		}
	}
	for _, c := range step.Calls {
		call, ok := c.Call.Payload.(event.ToolCall)
		name := ""
		if ok {
			name = call.Name
		}
		view := ToolCallView{Name: name}
		if c.Result != nil {
			if r, ok := c.Result.Payload.(event.ToolResult); ok {
				view.Resolved = true
				view.IsError = r.IsError
				view.Output, view.Truncated = truncateField(r.Output, fieldCap, false)
			}
		}
		d.Calls = append(d.Calls, view)
	}
	if step.Message != nil {
		if m, ok := step.Message.Payload.(event.Message); ok {
			d.Message, d.Truncated = truncateField(m.Text, fieldCap, d.Truncated)
		}
	}
	return d
}

func truncateField(text string, cap int, alreadyTruncated bool) (string, bool) {
	if len(text) <= cap {
		return text, alreadyTruncated
	}
	return truncatePreview(text, cap), true
}

// EventPreview is one row of search_event_previews (spec §4.9).
type EventPreview struct {
	SessionID  string    `json:"session_id"`
	EventIndex int       `json:"event_index"`
	Preview    string    `json:"preview"`
	Type       event.Kind `json:"type"`
}

// SearchFilters narrows search_event_previews to a project/provider/kind
// subset before the substring match runs (spec §4.9).
type SearchFilters struct {
	SessionID   string
	ProjectHash string
	Provider    string
	Kinds       []event.Kind
}

// SearchEventPreviews performs a substring match over event payload text
// and returns bounded previews (spec §4.9). When filters.SessionID is
// set, the search is scoped to that one session; otherwise every session
// matching the project/provider filter is searched, most recent first.
func (s *Service) SearchEventPreviews(ctx context.Context, query string, filters SearchFilters, limit int, cursor string) (Response[[]EventPreview], error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%v", query, filters.SessionID, filters.ProjectHash, filters.Provider, filters.Kinds)
	offset, err := decodeCursor(cursor, key)
	if err != nil {
		return Response[[]EventPreview]{}, err
	}

	var sessionIDs []string
	if filters.SessionID != "" {
		sessionIDs = []string{filters.SessionID}
	} else {
		sessions, err := s.store.ListSessions(ctx, index.Filter{ProjectHash: filters.ProjectHash, Provider: filters.Provider}, 1_000_000, 0)
		if err != nil {
			return Response[[]EventPreview]{}, apperr.Internal(err)
		}
		for _, sess := range sessions {
			sessionIDs = append(sessionIDs, sess.ID)
		}
	}

	var matches []EventPreview
	skipped := 0
	for _, sessionID := range sessionIDs {
		events, err := s.loadAll(ctx, sessionID, provider.LoadOptions{Only: filters.Kinds})
		if err != nil {
			continue
		}
		for idx, ev := range events {
			text := payloadText(ev.Payload)
			if text == "" || !strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			matches = append(matches, EventPreview{
				SessionID:  sessionID,
				EventIndex: idx,
				Preview:    truncatePreview(text, previewWidth),
				Type:       ev.Kind,
			})
			if len(matches) > limit {
				break
			}
		}
		if len(matches) > limit {
			break
		}
	}

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	pag := Pagination{InPage: len(matches), HasMore: hasMore}
	if hasMore {
		pag.NextCursor = encodeCursor(key, offset+limit)
	}
	return Response[[]EventPreview]{Data: matches, Pagination: pag}, nil
}

// GetEventDetails returns the full, untruncated event at eventIndex
// within sessionIDOrPrefix's merged stream (spec §4.9).
func (s *Service) GetEventDetails(ctx context.Context, sessionIDOrPrefix string, eventIndex int) (event.Event, error) {
	events, err := s.loadAll(ctx, sessionIDOrPrefix, provider.LoadOptions{Full: true, Raw: true})
	if err != nil {
		return event.Event{}, err
	}
	if eventIndex < 0 || eventIndex >= len(events) {
		return event.Event{}, apperr.Newf(apperr.CodeInvalidEventIndex, "event index %d is out of range (session has %d events)", eventIndex, len(events))
	}
	return events[eventIndex], nil
}

// AnalysisReport is analyze_session's aggregated diagnostics (spec §4.9).
type AnalysisReport struct {
	TurnCount     int            `json:"turn_count"`
	FailureCount  int            `json:"failure_count"`
	ParseErrors   int            `json:"parse_errors"`
	OrphanResults int            `json:"orphan_results"`
	Loops         []LoopFinding  `json:"loops,omitempty"`
	Bottlenecks   []Bottleneck   `json:"bottlenecks,omitempty"`
	HealthScore   float64        `json:"health_score"`
}

// LoopFinding flags a tool repeated back-to-back beyond a small
// threshold, a cheap proxy for a stuck agent retrying the same action.
type LoopFinding struct {
	ToolName string `json:"tool_name"`
	Repeats  int    `json:"repeats"`
	TurnIndex int   `json:"turn_index"`
}

// Bottleneck is one of the (up to five) slowest turns by wall-clock
// duration.
type Bottleneck struct {
	TurnIndex int           `json:"turn_index"`
	Duration  time.Duration `json:"duration"`
}

// AnalyzeSession computes aggregated diagnostics over a session: failure
// counts, repeated-tool loops, duration bottlenecks, and a coarse health
// score (spec §4.9). lenses selects which of "loops" and "bottlenecks"
// run (an empty slice runs both); failure, orphan and parse-error counts
// are always computed.
func (s *Service) AnalyzeSession(ctx context.Context, sessionIDOrPrefix string, lenses []string) (AnalysisReport, error) {
	ch, err := s.loader.Load(ctx, sessionIDOrPrefix, provider.LoadOptions{})
	if err != nil {
		return AnalysisReport{}, err
	}
	var events []event.Event
	parseErrors := 0
	for ne := range ch {
		if ne.Err != nil {
			parseErrors++
			continue
		}
		events = append(events, ne.Event)
	}
	sess := assembler.Assemble(events)

	report := AnalysisReport{TurnCount: len(sess.Turns), ParseErrors: parseErrors}
	for _, ev := range events {
		if tr, ok := ev.Payload.(event.ToolResult); ok && tr.Orphan {
			report.OrphanResults++
		}
	}
	for _, t := range sess.Turns {
		if t.Status == assembler.StatusFailed {
			report.FailureCount++
		}
	}

	run := func(lens string) bool {
		if len(lenses) == 0 {
			return true
		}
		for _, l := range lenses {
			if l == lens {
				return true
			}
		}
		return false
	}

	if run("loops") {
		report.Loops = findLoops(sess)
	}
	if run("bottlenecks") {
		report.Bottlenecks = findBottlenecks(sess)
	}

	report.HealthScore = healthScore(report)
	return report, nil
}

func findLoops(sess assembler.Session) []LoopFinding {
	const repeatThreshold = 3
	var out []LoopFinding
	for ti, t := range sess.Turns {
		var lastTool string
		run := 0
		for _, step := range t.Steps {
			for _, c := range step.Calls {
				call, ok := c.Call.Payload.(event.ToolCall)
				if !ok {
					continue
				}
				if call.Name == lastTool {
					run++
				} else {
					lastTool = call.Name
					run = 1
				}
				if run == repeatThreshold {
					out = append(out, LoopFinding{ToolName: call.Name, Repeats: run, TurnIndex: ti})
				}
			}
		}
	}
	return out
}

func findBottlenecks(sess assembler.Session) []Bottleneck {
	var out []Bottleneck
	for ti, t := range sess.Turns {
		if t.Metrics.Duration > 0 {
			out = append(out, Bottleneck{TurnIndex: ti, Duration: t.Metrics.Duration})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

// healthScore is a coarse 0..1 signal: it penalizes failed turns, orphan
// tool results, and detected loops against total turn count. It is a
// rough diagnostic aid, not a precise metric.
func healthScore(r AnalysisReport) float64 {
	if r.TurnCount == 0 {
		return 1
	}
	penalty := float64(r.FailureCount)*0.3 + float64(r.OrphanResults)*0.1 + float64(len(r.Loops))*0.2
	score := 1 - penalty/float64(r.TurnCount)
	if score < 0 {
		score = 0
	}
	return score
}

// assembleSession loads and folds a full session (list_turns, get_turns).
func (s *Service) assembleSession(ctx context.Context, sessionIDOrPrefix string) (assembler.Session, error) {
	events, err := s.loadAll(ctx, sessionIDOrPrefix, provider.LoadOptions{})
	if err != nil {
		return assembler.Session{}, err
	}
	return assembler.Assemble(events), nil
}

// loadAll drains the loader's merged stream for one session into a flat,
// ordered slice. Parse failures are skipped (spec §7 kind 2), not
// propagated: a session with a few unreadable records still serves
// everything else it holds.
func (s *Service) loadAll(ctx context.Context, sessionIDOrPrefix string, opts provider.LoadOptions) ([]event.Event, error) {
	ch, err := s.loader.Load(ctx, sessionIDOrPrefix, opts)
	if err != nil {
		return nil, err
	}
	var out []event.Event
	for ne := range ch {
		if ne.Err != nil {
			continue
		}
		out = append(out, ne.Event)
	}
	return out, nil
}

func payloadText(p event.Payload) string {
	switch v := p.(type) {
	case event.User:
		return v.Text
	case event.Reasoning:
		return v.Text
	case event.Message:
		return v.Text
	case event.Notification:
		return v.Text
	case event.ToolCall:
		return v.Name
	case event.ToolResult:
		return v.Output
	default:
		return ""
	}
}

func truncatePreview(text string, width int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if width <= 0 {
		return text
	}
	return truncate.String(text, uint(width))
}

func relativeAge(now, ts time.Time) string {
	d := now.Sub(ts)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
