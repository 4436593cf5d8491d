// Package watcher implements the live watch pipeline (spec §4.7): a
// filesystem-notification-driven tracker over one session's log files,
// with a polling tick as a safety net and byte-offset dedup across
// ticks. Modeled on the teacher's fsnotify usage in its pager's live
// replay mode (internal/replay/pager.go's RunLive), generalized from a
// single watched file to a multi-file, rotating session.
package watcher

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
)

// sessionTraceID derives a stable event trace id from a provider session
// id: parsed directly when the id is itself a UUID (Claude, Gemini),
// otherwise deterministically derived (Codex's opaque ids).
func sessionTraceID(sessionID string) uuid.UUID {
	if id, err := uuid.Parse(sessionID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID))
}

var tracer = otel.Tracer("agtrace/watcher")

// PollInterval is the safety-net tick period (spec §4.7 "default 500 ms").
const PollInterval = 500 * time.Millisecond

// State is the watcher's state machine position (spec §4.7).
type State int

const (
	Waiting State = iota
	Attached
	Rotated
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Attached:
		return "attached"
	case Rotated:
		return "rotated"
	default:
		return "unknown"
	}
}

// EventKind discriminates a WatchEvent's variant (spec §6).
type EventKind string

const (
	EventUpdate         EventKind = "update"
	EventSessionRotated EventKind = "session_rotated"
	EventError          EventKind = "error"
)

// Event is the tagged union emitted on every tick that produces
// something worth reporting (spec §6 "WatchEvent").
type Event struct {
	Kind EventKind

	// Present when Kind == EventUpdate.
	SessionID string
	NewEvents []event.Event
	Warnings  []string

	// Present when Kind == EventSessionRotated.
	OldSessionID string
	NewSessionID string

	// Present when Kind == EventError (spec §7 kind 6, "Fatal I/O").
	Message string
	Fatal   bool
}

// MarshalJSON renders Event as the tagged union spec §6 describes, one
// shape per Kind, so an external transport can serialize it without
// depending on this package's Go field layout.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventUpdate:
		return json.Marshal(struct {
			Kind      EventKind     `json:"kind"`
			SessionID string        `json:"session_id"`
			NewEvents []event.Event `json:"new_events"`
			Warnings  []string      `json:"warnings,omitempty"`
		}{e.Kind, e.SessionID, e.NewEvents, e.Warnings})
	case EventSessionRotated:
		return json.Marshal(struct {
			Kind         EventKind `json:"kind"`
			OldSessionID string    `json:"old_session_id"`
			NewSessionID string    `json:"new_session_id"`
		}{e.Kind, e.OldSessionID, e.NewSessionID})
	case EventError:
		return json.Marshal(struct {
			Kind    EventKind `json:"kind"`
			Message string    `json:"message"`
			Fatal   bool      `json:"fatal"`
		}{e.Kind, e.Message, e.Fatal})
	default:
		return json.Marshal(struct {
			Kind EventKind `json:"kind"`
		}{e.Kind})
	}
}

// fileState tracks per-file read progress for dedup (spec §4.7
// "Ordering & dedup").
type fileState struct {
	path       string
	role       provider.FileRole
	byteOffset int64
	seqInFile  int // last emitted in-file sequence number; -1 means none yet
}

func newFileState(path string, role provider.FileRole) *fileState {
	return &fileState{path: path, role: role, seqInFile: -1}
}

// Watcher tracks one active session across its log files, emitting
// Events over Out until its context is canceled.
type Watcher struct {
	adapter   provider.Adapter
	logRoot   string
	state     State
	sessionID string
	traceID   uuid.UUID
	files     map[string]*fileState

	Out chan Event

	fsw *fsnotify.Watcher
}

// New builds a Watcher over a single provider's log root. It starts in
// the Waiting state: call Attach to begin tracking a session. A tick in
// the Waiting state does nothing, so Run does not attach to newly
// created sessions on its own.
func New(adapter provider.Adapter, logRoot string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(logRoot); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watcher: watch root %s: %w", logRoot, err)
	}
	return &Watcher{
		adapter: adapter,
		logRoot: logRoot,
		state:   Waiting,
		files:   make(map[string]*fileState),
		Out:     make(chan Event, 16),
		fsw:     fsw,
	}, nil
}

// State reports the current state machine position.
func (w *Watcher) State() State { return w.state }

// Attach begins tracking sessionID, transitioning Waiting/Rotated to
// Attached and re-resolving its file set immediately.
func (w *Watcher) Attach(ctx context.Context, sessionID string) error {
	if err := w.attachFiles(sessionID); err != nil {
		return err
	}
	return w.tick(ctx)
}

// attachFiles rebinds the watcher to sessionID's file set without
// performing a read tick; used both by Attach and by rotation handling,
// which drives its own tick afterward.
func (w *Watcher) attachFiles(sessionID string) error {
	paths, err := w.adapter.FindSessionFiles(w.logRoot, sessionID)
	if err != nil {
		return fmt.Errorf("watcher: find session files: %w", err)
	}
	w.sessionID = sessionID
	w.traceID = sessionTraceID(sessionID)
	w.state = Attached
	w.files = make(map[string]*fileState, len(paths))
	for _, p := range paths {
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watcher: watch file %s: %w", p, err)
		}
		w.files[p] = newFileState(p, provider.RoleMain)
	}
	return nil
}

// Run drives the watcher until ctx is canceled: it selects over fsnotify
// events and a polling ticker, producing a tick on either signal. All
// fsnotify handles are released on exit; no goroutine survives Run
// returning (spec §4.7 "Cancellation").
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	defer close(w.Out)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fsEv, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			_ = fsEv // the notification itself only triggers re-resolution
			if err := w.tick(ctx); err != nil {
				return err
			}
		case fsErr, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher: fsnotify error: %w", fsErr)
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// detectRotation reports whether a session newer than the currently
// attached one has appeared in the same provider root (spec §4.7
// "A session rotation ... emits WatchEvent::SessionRotated").
func (w *Watcher) detectRotation(ctx context.Context) (bool, string) {
	headers, err := w.adapter.Scan(ctx, w.logRoot, "")
	if err != nil {
		return false, ""
	}

	var currentStart time.Time
	haveCurrent := false
	var newestID string
	var newestStart time.Time

	for h := range headers {
		if h.SessionID == w.sessionID {
			currentStart = h.StartTS
			haveCurrent = true
		}
		if newestID == "" || h.StartTS.After(newestStart) {
			newestID = h.SessionID
			newestStart = h.StartTS
		}
	}

	if newestID == "" || newestID == w.sessionID {
		return false, ""
	}
	if haveCurrent && !newestStart.After(currentStart) {
		return false, ""
	}
	return true, newestID
}

// tick is one poll cycle: spec §4.7 step-by-step contract.
func (w *Watcher) tick(ctx context.Context) error {
	_, span := tracer.Start(ctx, "watch.tick")
	defer span.End()

	if w.state == Waiting {
		return nil
	}

	if rotated, newID := w.detectRotation(ctx); rotated {
		old := w.sessionID
		w.state = Rotated
		if err := w.attachFiles(newID); err != nil {
			return fmt.Errorf("watcher: attach rotated session %s: %w", newID, err)
		}
		select {
		case w.Out <- Event{Kind: EventSessionRotated, OldSessionID: old, NewSessionID: newID}:
		case <-ctx.Done():
			return nil
		}
		return nil
	}

	paths, err := w.adapter.FindSessionFiles(w.logRoot, w.sessionID)
	if err != nil {
		// The attached file tree vanished out from under us: this is
		// fatal to the session, not to the watcher (spec §7 kind 6). Drop
		// back to Waiting instead of tearing down Run's loop.
		w.state = Waiting
		select {
		case w.Out <- Event{Kind: EventError, Message: fmt.Sprintf("re-resolve session files: %v", err), Fatal: true}:
		case <-ctx.Done():
		}
		return nil
	}

	var warnings []string
	for _, p := range paths {
		if _, known := w.files[p]; !known {
			// Sidechain appearing mid-session (spec §4.7).
			w.files[p] = newFileState(p, provider.RoleSidechain)
			if err := w.fsw.Add(p); err != nil {
				warnings = append(warnings, fmt.Sprintf("watch %s: %v", p, err))
			}
		}
	}

	merged, newOffsets, err := w.readNewEvents(ctx)
	if err != nil {
		return err
	}
	for path, off := range newOffsets {
		w.files[path].byteOffset = off
	}

	if len(merged) == 0 && len(warnings) == 0 {
		return nil
	}

	select {
	case w.Out <- Event{Kind: EventUpdate, SessionID: w.sessionID, NewEvents: merged, Warnings: warnings}:
	case <-ctx.Done():
	}
	return nil
}

// tickItem is one heap entry for the per-tick merge across files.
type tickItem struct {
	ev    event.Event
	path  string
	order int
}

type tickHeap []*tickItem

func (h tickHeap) Len() int { return len(h) }
func (h tickHeap) Less(i, j int) bool {
	if !h[i].ev.Ts.Equal(h[j].ev.Ts) {
		return h[i].ev.Ts.Before(h[j].ev.Ts)
	}
	if h[i].order != h[j].order {
		return h[i].order < h[j].order
	}
	return h[i].ev.SeqInFile < h[j].ev.SeqInFile
}
func (h tickHeap) Swap(i, j int)  { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x any)    { *h = append(*h, x.(*tickItem)) }
func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readNewEvents streams each file's unread bytes through the provider
// adapter and returns them merged by (timestamp, file order, seq)
// (spec §4.7 "Ordering & dedup"). A file whose size hasn't grown since
// the last tick is skipped entirely, and within a changed file only
// events past the last emitted in-file sequence number are surfaced, so
// a tick never re-emits anything already delivered.
func (w *Watcher) readNewEvents(ctx context.Context) ([]event.Event, map[string]int64, error) {
	var paths []string
	for p := range w.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var items []*tickItem
	offsets := make(map[string]int64)
	for order, path := range paths {
		fs := w.files[path]

		size, err := fileSize(path)
		if err != nil {
			continue
		}
		if size == fs.byteOffset {
			continue
		}

		newEvents, maxSeq, err := readNewInFile(ctx, w.adapter, path, w.traceID, fs.seqInFile)
		if err != nil {
			continue
		}
		offsets[path] = size
		if maxSeq > fs.seqInFile {
			fs.seqInFile = maxSeq
		}
		for _, ev := range newEvents {
			items = append(items, &tickItem{ev: ev, path: path, order: order})
		}
	}

	h := tickHeap(items)
	heap.Init(&h)
	merged := make([]event.Event, 0, len(items))
	for h.Len() > 0 {
		item := heap.Pop(&h).(*tickItem)
		merged = append(merged, item.ev)
	}
	return merged, offsets, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// readNewInFile re-normalizes path in full (adapters are cheap,
// single-pass stream producers) and returns only events past
// lastSeq, plus the highest in-file sequence number observed.
func readNewInFile(ctx context.Context, adapter provider.Adapter, path string, traceID uuid.UUID, lastSeq int) ([]event.Event, int, error) {
	ch, err := adapter.NormalizeFile(ctx, path, traceID, provider.LoadOptions{})
	if err != nil {
		return nil, lastSeq, err
	}
	var out []event.Event
	maxSeq := lastSeq
	for ne := range ch {
		if ne.Err != nil {
			continue
		}
		if ne.Event.SeqInFile > lastSeq {
			out = append(out, ne.Event)
		}
		if ne.Event.SeqInFile > maxSeq {
			maxSeq = ne.Event.SeqInFile
		}
	}
	return out, maxSeq, nil
}
