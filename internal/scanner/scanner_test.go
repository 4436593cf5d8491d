package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agtrace/agtrace/internal/index"
	"github.com/agtrace/agtrace/internal/provider"
)

// fakeAdapter is a minimal provider.Adapter backed by a fixed set of
// headers, for exercising the scanner without a real log format.
type fakeAdapter struct {
	name    provider.Name
	root    string
	headers []provider.SessionHeader
}

func (f *fakeAdapter) Name() provider.Name                { return f.name }
func (f *fakeAdapter) DefaultLogRoot() (string, error)     { return f.root, nil }
func (f *fakeAdapter) CanHandle(path string) bool          { return true }
func (f *fakeAdapter) FindSessionFiles(logRoot, sessionID string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) NormalizeFile(ctx context.Context, path string, traceID uuid.UUID, opts provider.LoadOptions) (<-chan provider.NormalizedEvent, error) {
	ch := make(chan provider.NormalizedEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) Scan(ctx context.Context, logRoot string, projectHash string) (<-chan provider.SessionHeader, error) {
	ch := make(chan provider.SessionHeader, len(f.headers))
	for _, h := range f.headers {
		ch <- h
	}
	close(ch)
	return ch, nil
}

func newTestStore(t *testing.T) *index.Store {
	t.Helper()
	s, err := index.Open(filepath.Join(t.TempDir(), "agtrace.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScanUpsertsSessionAndFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(logPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	projectRoot := filepath.Join(dir, "project")
	if err := os.MkdirAll(projectRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{
		name: provider.Claude,
		root: dir,
		headers: []provider.SessionHeader{
			{
				SessionID:   "sess-1",
				ProjectRoot: projectRoot,
				StartTS:     time.Now().UTC(),
				Snippet:     "hi",
				Path:        logPath,
				FileRole:    provider.RoleMain,
			},
		},
	}

	store := newTestStore(t)
	reg := provider.NewRegistry(adapter)
	sc := New(reg, store, nil)

	report, err := sc.Run(context.Background(), Scope{AllProjects: true}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.SessionsSeen != 1 {
		t.Fatalf("expected 1 session seen, got %d", report.SessionsSeen)
	}

	got, err := store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.IsValid {
		t.Fatal("expected session valid")
	}

	files, err := store.GetSessionFiles(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session files: %v", err)
	}
	if len(files) != 1 || files[0].Path != logPath {
		t.Fatalf("unexpected files: %+v", files)
	}
}

func TestScanSkipsUnchangedFileOnRescan(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(logPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	projectRoot := filepath.Join(dir, "project")
	if err := os.MkdirAll(projectRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	header := provider.SessionHeader{
		SessionID:   "sess-1",
		ProjectRoot: projectRoot,
		StartTS:     time.Now().UTC(),
		Path:        logPath,
		FileRole:    provider.RoleMain,
	}
	adapter := &fakeAdapter{name: provider.Claude, root: dir, headers: []provider.SessionHeader{header}}
	store := newTestStore(t)
	reg := provider.NewRegistry(adapter)
	sc := New(reg, store, nil)

	ctx := context.Background()
	if _, err := sc.Run(ctx, Scope{AllProjects: true}, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	report, err := sc.Run(ctx, Scope{AllProjects: true}, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.SessionsSkipped != 1 {
		t.Fatalf("expected the unchanged file to be skipped on rescan, got skipped=%d seen=%d", report.SessionsSkipped, report.SessionsSeen)
	}
}

func TestScanScopeFiltersOtherProjects(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(logPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	otherProject := filepath.Join(dir, "other")
	if err := os.MkdirAll(otherProject, 0o755); err != nil {
		t.Fatal(err)
	}
	scopeProject := filepath.Join(dir, "scope")
	if err := os.MkdirAll(scopeProject, 0o755); err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{
		name: provider.Claude,
		root: dir,
		headers: []provider.SessionHeader{
			{SessionID: "sess-other", ProjectRoot: otherProject, StartTS: time.Now().UTC(), Path: logPath, FileRole: provider.RoleMain},
		},
	}
	store := newTestStore(t)
	reg := provider.NewRegistry(adapter)
	sc := New(reg, store, nil)

	report, err := sc.Run(context.Background(), Scope{ProjectRoot: scopeProject}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.SessionsSeen != 0 || report.SessionsSkipped != 1 {
		t.Fatalf("expected out-of-scope session to be skipped, got %+v", report)
	}

	if _, err := store.GetSession(context.Background(), "sess-other"); err == nil {
		t.Fatal("expected out-of-scope session to not be indexed")
	}
}
