// Package provider defines the adapter surface every provider (Claude,
// Codex, Gemini) implements, plus the small set of helpers shared across
// adapters. The adapter surface is the sole polymorphic seam in the system:
// adding a provider means adding an implementation of Adapter, nothing else.
package provider

import (
	"context"
	"time"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/google/uuid"
)

// Name identifies a provider.
type Name string

const (
	Claude Name = "claude"
	Codex  Name = "codex"
	Gemini Name = "gemini"
)

// FileRole classifies a log file's relationship to its session.
type FileRole string

const (
	RoleMain      FileRole = "main"
	RoleSidechain FileRole = "sidechain"
	RoleMeta      FileRole = "meta"
)

// SessionHeader is the bounded-prefix-read summary a scan pass extracts
// from a single candidate file, before any full normalization.
type SessionHeader struct {
	SessionID   string
	ProjectRoot string // best-effort; may be empty
	ProjectHash string // adopted directly when the provider supplies one (Gemini)
	StartTS     time.Time
	EndTS       *time.Time
	Snippet     string
	Path        string
	FileRole    FileRole
	ParseError  error // non-nil when only a minimal header could be extracted
}

// LoadOptions narrows or reshapes what NormalizeFile emits.
type LoadOptions struct {
	Hide []event.Kind // payload kinds to suppress
	Only []event.Kind // if non-empty, only these kinds are emitted
	Full bool         // disable truncation of payload text
	Raw  bool         // also populate Event.RawLine with the source record
}

// Keep reports whether a kind survives a LoadOptions filter.
func (o LoadOptions) Keep(k event.Kind) bool {
	if len(o.Only) > 0 {
		found := false
		for _, only := range o.Only {
			if only == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, h := range o.Hide {
		if h == k {
			return false
		}
	}
	return true
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() Name

	// DefaultLogRoot returns the conventional on-disk location for this
	// provider's session logs.
	DefaultLogRoot() (string, error)

	// CanHandle reports whether path belongs to this provider, by location
	// and/or a cheap header sniff. It must not fully parse the file.
	CanHandle(path string) bool

	// Scan walks logRoot and emits a SessionHeader per candidate file it
	// finds. Parse errors never abort the walk: a minimal header is still
	// sent, with ParseError set, so the file is still indexed. If
	// projectHash is non-empty, headers are still emitted for all sessions
	// found — scope filtering is the scanner's job, not the adapter's.
	Scan(ctx context.Context, logRoot string, projectHash string) (<-chan SessionHeader, error)

	// FindSessionFiles locates every file belonging to sessionID under
	// logRoot. Must be O(files in logRoot) and fast (~10ms for a typical
	// project directory) since the watcher calls it on every relevant tick.
	FindSessionFiles(logRoot, sessionID string) ([]string, error)

	// NormalizeFile reads path and emits normalized events in source order.
	// Implementations must tag each event's SourceFile/SeqInFile so callers
	// doing a multi-file merge have a deterministic tiebreak.
	NormalizeFile(ctx context.Context, path string, traceID uuid.UUID, opts LoadOptions) (<-chan NormalizedEvent, error)
}

// NormalizedEvent pairs an emitted event with any error encountered while
// producing it. A non-nil Err with a zero Event means the record was
// skipped (parse failure, spec §7 kind 2); the stream continues afterward.
type NormalizedEvent struct {
	Event event.Event
	Err   error
}

// Registry holds the enabled adapters, keyed by Name.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry builds a Registry from a set of adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for name, or false if it isn't registered.
func (r *Registry) Get(name Name) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// All returns every registered adapter, in a stable order.
func (r *Registry) All() []Adapter {
	order := []Name{Claude, Codex, Gemini}
	out := make([]Adapter, 0, len(r.adapters))
	for _, n := range order {
		if a, ok := r.adapters[n]; ok {
			out = append(out, a)
		}
	}
	for n, a := range r.adapters {
		switch n {
		case Claude, Codex, Gemini:
			continue
		default:
			out = append(out, a)
		}
	}
	return out
}

// ForFile returns the adapter claiming to handle path, if any.
func (r *Registry) ForFile(path string) (Adapter, bool) {
	for _, a := range r.All() {
		if a.CanHandle(path) {
			return a, true
		}
	}
	return nil, false
}
