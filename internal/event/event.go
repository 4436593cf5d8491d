// Package event defines the common, provider-agnostic event model that every
// adapter normalizes into. An Event is the minimal normalized unit: one
// provider record yields zero or more of these.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies which payload variant an Event carries.
type Kind string

const (
	KindUser         Kind = "user"
	KindReasoning    Kind = "reasoning"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindMessage      Kind = "message"
	KindTokenUsage   Kind = "token_usage"
	KindNotification Kind = "notification"
)

// Role is a function of payload Kind, never of a provider's own role field.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// roleForKind implements the role invariant of spec §3: role is derived
// strictly from payload kind.
var roleForKind = map[Kind]Role{
	KindUser:         RoleUser,
	KindReasoning:    RoleAssistant,
	KindToolCall:     RoleAssistant,
	KindToolResult:   RoleTool,
	KindMessage:      RoleAssistant,
	KindTokenUsage:   RoleSystem,
	KindNotification: RoleSystem,
}

// RoleFor returns the role mandated for a payload kind.
func RoleFor(k Kind) Role {
	if r, ok := roleForKind[k]; ok {
		return r
	}
	return RoleSystem
}

// Event is the common, normalized unit every provider adapter emits.
type Event struct {
	ID       uuid.UUID  `json:"id"`
	TraceID  uuid.UUID  `json:"trace_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
	Kind     Kind       `json:"kind"`
	Role     Role       `json:"role"`
	Ts       time.Time  `json:"timestamp"`

	// Provenance (filled by the provider adapter that read the record).
	SourceFile string `json:"source_file,omitempty"`
	SeqInFile  int    `json:"seq_in_file"`

	// Only present when raw mode (LoadOptions.Raw) is requested by the caller.
	RawLine string `json:"raw_line,omitempty"`

	Payload Payload `json:"payload"`
}

// Payload is implemented by exactly one concrete payload type per Kind.
type Payload interface {
	Kind() Kind
}

// User is the text of a user-authored message. Root of a Turn.
type User struct {
	Text string `json:"text"`
}

func (User) Kind() Kind { return KindUser }

// Reasoning is assistant "thinking" text, never user- or tool-attributed.
type Reasoning struct {
	Text string `json:"text"`
}

func (Reasoning) Kind() Kind { return KindReasoning }

// ToolCall is an assistant-issued tool invocation. Arguments is the raw
// structured argument map; provider adapters may additionally attach a
// Specialized shape (FileRead, FileWrite, ...) as a refinement, not a
// separate channel.
type ToolCall struct {
	Name          string         `json:"name"`
	Arguments     map[string]any `json:"arguments"`
	ProviderCall  string         `json:"provider_call_id,omitempty"`
	Specialized   ToolShape      `json:"specialized,omitempty"`
}

func (ToolCall) Kind() Kind { return KindToolCall }

// ToolResult is the outcome of exactly one ToolCall, linked by ToolCallID.
// Orphan is set when the matching ToolCall could not be resolved before the
// session closed (spec §3 "Missing reference").
type ToolResult struct {
	Output     string     `json:"output"`
	ToolCallID uuid.UUID  `json:"tool_call_id"`
	IsError    bool       `json:"is_error"`
	Orphan     bool       `json:"orphan,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// Message is an assistant reply, terminal within a Step.
type Message struct {
	Text string `json:"text"`
}

func (Message) Kind() Kind { return KindMessage }

// TokenUsageDetails carries provider-specific cache/breakdown fields.
type TokenUsageDetails struct {
	CacheCreate int `json:"cache_create,omitempty"`
	CacheRead   int `json:"cache_read,omitempty"`
}

// TokenUsage is a sidecar: it is never part of context reconstruction and
// never owns children. ParentID, when set, names the generation event
// (ToolCall or Message) it accounts for.
type TokenUsage struct {
	Input   int                `json:"input"`
	Output  int                `json:"output"`
	Total   int                `json:"total"`
	Details *TokenUsageDetails `json:"details,omitempty"`
}

func (TokenUsage) Kind() Kind { return KindTokenUsage }

// Notification is provider meta text (e.g. compaction, retry, rate limit).
type Notification struct {
	Text string `json:"text"`
}

func (Notification) Kind() Kind { return KindNotification }

// ToolShape refines a ToolCall's Arguments into a recognized semantic shape.
// It is a marker interface; adapters populate ToolCall.Specialized when the
// tool name and argument shape are recognized.
type ToolShape interface {
	toolShape()
}

type FileRead struct {
	Path string `json:"path"`
}

func (FileRead) toolShape() {}

type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (FileWrite) toolShape() {}

type FileEdit struct {
	Path string `json:"path"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

func (FileEdit) toolShape() {}

type ShellExec struct {
	Command string `json:"command"`
}

func (ShellExec) toolShape() {}

// IsContextEvent reports whether an event participates in context
// reconstruction. TokenUsage is the sole exception (spec §3, §4.1).
func IsContextEvent(k Kind) bool {
	return k != KindTokenUsage
}

// IsGenerationEvent reports whether an event kind may own a TokenUsage
// sidecar (spec §4.1).
func IsGenerationEvent(k Kind) bool {
	return k == KindToolCall || k == KindMessage
}

// NewID returns a fresh, random, collision-resistant identifier.
func NewID() uuid.UUID {
	return uuid.New()
}

// New constructs an Event with a fresh ID and the role mandated by kind.
func New(traceID uuid.UUID, parent *uuid.UUID, ts time.Time, p Payload) Event {
	return Event{
		ID:       NewID(),
		TraceID:  traceID,
		ParentID: parent,
		Kind:     p.Kind(),
		Role:     RoleFor(p.Kind()),
		Ts:       ts.UTC(),
		Payload:  p,
	}
}
