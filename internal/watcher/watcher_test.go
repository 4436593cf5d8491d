package watcher

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agtrace/agtrace/internal/event"
	"github.com/agtrace/agtrace/internal/provider"
)

// lineAdapter treats each non-empty line of a file as one Message event,
// with a synthetic ascending timestamp, standing in for a real provider
// parser so the watcher's offset/dedup logic can be exercised against
// real growing files on disk.
type lineAdapter struct {
	base time.Time
}

func (a *lineAdapter) Name() provider.Name            { return provider.Claude }
func (a *lineAdapter) DefaultLogRoot() (string, error) { return "", nil }
func (a *lineAdapter) CanHandle(path string) bool      { return true }

func (a *lineAdapter) FindSessionFiles(logRoot, sessionID string) ([]string, error) {
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), sessionID) {
			out = append(out, filepath.Join(logRoot, e.Name()))
		}
	}
	return out, nil
}

func (a *lineAdapter) Scan(ctx context.Context, logRoot, projectHash string) (<-chan provider.SessionHeader, error) {
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.SessionHeader, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		sessionID := name
		if idx := strings.Index(name, "."); idx >= 0 {
			sessionID = name[:idx]
		}
		info, _ := e.Info()
		ch <- provider.SessionHeader{
			SessionID: sessionID,
			Path:      filepath.Join(logRoot, e.Name()),
			StartTS:   info.ModTime(),
			FileRole:  provider.RoleMain,
		}
	}
	close(ch)
	return ch, nil
}

func (a *lineAdapter) NormalizeFile(ctx context.Context, path string, traceID uuid.UUID, opts provider.LoadOptions) (<-chan provider.NormalizedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.NormalizedEvent)
	go func() {
		defer f.Close()
		defer close(ch)
		scanner := bufio.NewScanner(f)
		seq := 0
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			ev := event.New(traceID, nil, a.base.Add(time.Duration(seq)*time.Second), event.Message{Text: line})
			ev.SeqInFile = seq
			ch <- provider.NormalizedEvent{Event: ev}
			seq++
		}
	}()
	return ch, nil
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAttachEmitsInitialContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-1.jsonl")
	writeLines(t, path, "hello", "world")

	adapter := &lineAdapter{base: time.Now().UTC()}
	w, err := New(adapter, dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.fsw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Attach(ctx, "sess-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if w.State() != Attached {
		t.Fatalf("expected Attached, got %s", w.State())
	}

	select {
	case ev := <-w.Out:
		if ev.Kind != EventUpdate || len(ev.NewEvents) != 2 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial update")
	}
}

func TestTickDoesNotReemitUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-1.jsonl")
	writeLines(t, path, "hello")

	adapter := &lineAdapter{base: time.Now().UTC()}
	w, err := New(adapter, dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.fsw.Close()

	ctx := context.Background()
	if err := w.Attach(ctx, "sess-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	<-w.Out // drain initial update

	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	select {
	case ev := <-w.Out:
		t.Fatalf("expected no update for unchanged file, got %+v", ev)
	default:
	}
}

func TestTickEmitsOnlyNewLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-1.jsonl")
	writeLines(t, path, "hello")

	adapter := &lineAdapter{base: time.Now().UTC()}
	w, err := New(adapter, dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.fsw.Close()

	ctx := context.Background()
	if err := w.Attach(ctx, "sess-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	<-w.Out // drain initial update

	writeLines(t, path, "hello", "world")
	// force mod_time forward so size/time-based change detection (and any
	// fs watchers relying on mtime) reliably observes growth
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)

	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	select {
	case ev := <-w.Out:
		if len(ev.NewEvents) != 1 {
			t.Fatalf("expected exactly 1 new event, got %d", len(ev.NewEvents))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestDetectRotationToNewerSession(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "sess-old.jsonl")
	writeLines(t, oldPath, "hi")

	adapter := &lineAdapter{base: time.Now().UTC()}
	w, err := New(adapter, dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.fsw.Close()

	ctx := context.Background()
	if err := w.Attach(ctx, "sess-old"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	<-w.Out // drain initial update

	newPath := filepath.Join(dir, "sess-new.jsonl")
	writeLines(t, newPath, "fresh session")
	future := time.Now().Add(time.Hour)
	os.Chtimes(newPath, future, future)

	if err := w.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case ev := <-w.Out:
		if ev.Kind != EventSessionRotated || ev.NewSessionID != "sess-new" {
			t.Fatalf("expected rotation to sess-new, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rotation event")
	}
	if w.State() != Attached {
		t.Fatalf("expected Attached after rotation settles, got %s", w.State())
	}
}
