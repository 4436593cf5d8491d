// Package loader implements session loading (spec §4.5): resolving a
// session id, opening one lazy event stream per log file through the
// owning provider adapter, and k-way merging them into a single
// timestamp-ordered stream with pending tool-result attachment.
package loader

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/agtrace/agtrace/internal/apperr"
	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/index"
	"github.com/agtrace/agtrace/internal/provider"
)

// Loader resolves sessions through the pointer index and streams their
// events through the owning provider's adapter.
type Loader struct {
	store    *index.Store
	registry *provider.Registry
}

// New builds a Loader over an index and provider registry.
func New(store *index.Store, registry *provider.Registry) *Loader {
	return &Loader{store: store, registry: registry}
}

// Load resolves sessionIDOrPrefix and returns a k-way merged, ordered
// stream of events across every one of the session's log files (spec
// §4.5). The returned channel is closed once every file stream is
// exhausted; orphaned ToolResults are emitted with a synthetic marker
// just before closing (spec §3 invariant).
func (l *Loader) Load(ctx context.Context, sessionIDOrPrefix string, opts provider.LoadOptions) (<-chan provider.NormalizedEvent, error) {
	sess, err := l.store.GetSession(ctx, sessionIDOrPrefix)
	if err != nil {
		return nil, err
	}

	files, err := l.store.GetSessionFiles(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperr.Newf(apperr.CodeInternal, "session %s has no indexed files", sess.ID)
	}

	adapter, ok := l.registry.Get(provider.Name(sess.Provider))
	if !ok {
		return nil, apperr.Newf(apperr.CodeInternal, "no adapter registered for provider %q", sess.Provider)
	}

	traceID, err := uuid.Parse(sess.ID)
	if err != nil {
		traceID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sess.ID))
	}

	out := make(chan provider.NormalizedEvent)
	go l.mergeFiles(ctx, adapter, files, traceID, opts, out)
	return out, nil
}

// streamItem is one heap entry: the next buffered event from a file
// stream, plus a stable stream index for the deterministic tiebreak.
type streamItem struct {
	ev        provider.NormalizedEvent
	streamTag int // stable per-file ordinal, lowest-path-first
	seqInFile int
	ch        <-chan provider.NormalizedEvent
}

type mergeHeap []*streamItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	ti, tj := h[i].ev.Event.Ts, h[j].ev.Event.Ts
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	if h[i].streamTag != h[j].streamTag {
		return h[i].streamTag < h[j].streamTag
	}
	return h[i].seqInFile < h[j].seqInFile
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*streamItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (l *Loader) mergeFiles(ctx context.Context, adapter provider.Adapter, files []index.LogFile, traceID uuid.UUID, opts provider.LoadOptions, out chan<- provider.NormalizedEvent) {
	defer close(out)

	// stream_tag order: main first, then sidechains and meta by path, so
	// the tiebreak is deterministic across repeated loads (spec §4.7).
	sort.SliceStable(files, func(i, j int) bool {
		ri, rj := roleRank(files[i].Role), roleRank(files[j].Role)
		if ri != rj {
			return ri < rj
		}
		return files[i].Path < files[j].Path
	})

	p := newPendingResults()
	h := &mergeHeap{}
	heap.Init(h)

	for i, f := range files {
		ch, err := adapter.NormalizeFile(ctx, f.Path, traceID, opts)
		if err != nil {
			select {
			case out <- provider.NormalizedEvent{Err: fmt.Errorf("loader: normalize %s: %w", f.Path, err)}:
			case <-ctx.Done():
				return
			}
			continue
		}
		item := &streamItem{ch: ch, streamTag: i}
		if ev, ok := <-ch; ok {
			item.ev = ev
			heap.Push(h, item)
		}
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(*streamItem)

		if ready := p.process(item.ev); len(ready) > 0 {
			for _, ne := range ready {
				select {
				case out <- ne:
				case <-ctx.Done():
					return
				}
			}
		}

		if next, ok := <-item.ch; ok {
			item.seqInFile++
			item.ev = next
			heap.Push(h, item)
		}
	}

	for _, ne := range p.drainOrphans() {
		select {
		case out <- ne:
		case <-ctx.Done():
			return
		}
	}
}

// pendingResults implements the "held pending, attached on resolution"
// invariant of spec §3: a ToolResult that arrives before its ToolCall in
// merge order is buffered, not dropped, and released the moment its
// ToolCall is seen. Anything still buffered when the stream ends is
// emitted once, flagged Orphan (spec §3 "Missing reference", §7 kind 3).
type pendingResults struct {
	seen    map[uuid.UUID]bool
	waiting map[uuid.UUID][]provider.NormalizedEvent
	order   []uuid.UUID // waiting keys, in first-buffered order
}

func newPendingResults() *pendingResults {
	return &pendingResults{
		seen:    make(map[uuid.UUID]bool),
		waiting: make(map[uuid.UUID][]provider.NormalizedEvent),
	}
}

// process admits one event into the merge output, returning it (and any
// results it unblocks) in emission order.
func (p *pendingResults) process(ne provider.NormalizedEvent) []provider.NormalizedEvent {
	if ne.Err != nil {
		return []provider.NormalizedEvent{ne}
	}

	switch payload := ne.Event.Payload.(type) {
	case event.ToolCall:
		p.seen[ne.Event.ID] = true
		ready := []provider.NormalizedEvent{ne}
		ready = append(ready, p.waiting[ne.Event.ID]...)
		delete(p.waiting, ne.Event.ID)
		return ready
	case event.ToolResult:
		if p.seen[payload.ToolCallID] {
			return []provider.NormalizedEvent{ne}
		}
		if _, ok := p.waiting[payload.ToolCallID]; !ok {
			p.order = append(p.order, payload.ToolCallID)
		}
		p.waiting[payload.ToolCallID] = append(p.waiting[payload.ToolCallID], ne)
		return nil
	default:
		return []provider.NormalizedEvent{ne}
	}
}

// drainOrphans returns every ToolResult whose ToolCall never appeared,
// each flagged Orphan, in first-buffered order.
func (p *pendingResults) drainOrphans() []provider.NormalizedEvent {
	var out []provider.NormalizedEvent
	for _, id := range p.order {
		for _, ne := range p.waiting[id] {
			if tr, ok := ne.Event.Payload.(event.ToolResult); ok {
				tr.Orphan = true
				ne.Event.Payload = tr
			}
			out = append(out, ne)
		}
	}
	p.waiting = nil
	p.order = nil
	return out
}

func roleRank(role string) int {
	switch role {
	case index.RoleMain:
		return 0
	case index.RoleSidechain:
		return 1
	default:
		return 2
	}
}
