// Package logging provides structured, JSON-lines logging shared across the
// scanner, watcher, and runtime.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry represents a structured log entry.
type Entry struct {
	Timestamp string                 `json:"timestamp"` // ISO 8601
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"` // e.g. "scanner", "watcher"
	TraceID   string                 `json:"trace_id,omitempty"`  // session id in scope, if any
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes structured log entries to an io.Writer (stdout by default).
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger at INFO level, writing to stdout.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a derived logger tagging every entry with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{output: l.output, minLevel: l.minLevel, component: component, traceID: l.traceID}
}

// WithTraceID returns a derived logger tagging every entry with a session id.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{output: l.output, minLevel: l.minLevel, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput redirects log output.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...map[string]interface{})  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...map[string]interface{})  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...map[string]interface{}) { l.log(LevelError, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: l.component,
		TraceID:   l.traceID,
	}
	if len(fields) > 0 && fields[0] != nil {
		entry.Fields = fields[0]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		l.output.Write([]byte(msg + "\n"))
		return
	}
	l.output.Write(append(data, '\n'))
}

// ScanResult logs the outcome of a scanner pass over one provider root.
func (l *Logger) ScanResult(provider string, sessions, skipped int, duration time.Duration) {
	l.Info("scan_complete", map[string]interface{}{
		"provider":    provider,
		"sessions":    sessions,
		"skipped":     skipped,
		"duration_ms": duration.Milliseconds(),
	})
}

// WatchTick logs one watcher poll/notification cycle.
func (l *Logger) WatchTick(sessionID string, newEvents int, duration time.Duration) {
	l.Debug("watch_tick", map[string]interface{}{
		"session_id":  sessionID,
		"new_events":  newEvents,
		"duration_ms": duration.Milliseconds(),
	})
}

// ReactorWarning logs a warning a reactor produced.
func (l *Logger) ReactorWarning(reactor, kind, message string) {
	l.Warn("reactor_warning", map[string]interface{}{
		"reactor": reactor,
		"kind":    kind,
		"message": message,
	})
}

// ParseFailure logs a downgraded parse error (spec §7 kind 2): the stream
// continues, the failure is only counted and logged, never fatal.
func (l *Logger) ParseFailure(path string, seq int, err error) {
	l.Warn("parse_failure", map[string]interface{}{
		"path": path,
		"seq":  seq,
		"err":  err.Error(),
	})
}

// Default is the package-level logger used by components that don't need a
// dedicated component/trace scope.
var Default = New()

func Debug(msg string, fields ...map[string]interface{}) { Default.Debug(msg, fields...) }
func Info(msg string, fields ...map[string]interface{})  { Default.Info(msg, fields...) }
func Warn(msg string, fields ...map[string]interface{})  { Default.Warn(msg, fields...) }
func Error(msg string, fields ...map[string]interface{}) { Default.Error(msg, fields...) }
