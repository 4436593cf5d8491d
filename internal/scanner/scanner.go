// Package scanner implements the scan pass (spec §4.4): walking every
// enabled provider's log root, resolving project identity per file,
// and upserting projects/sessions/log files into the pointer index.
package scanner

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agtrace/agtrace/internal/index"
	"github.com/agtrace/agtrace/internal/logging"
	"github.com/agtrace/agtrace/internal/project"
	"github.com/agtrace/agtrace/internal/provider"
)

var tracer = otel.Tracer("agtrace/scanner")

// Scope narrows a scan to one project or every project known to the
// enabled providers.
type Scope struct {
	ProjectRoot string // empty means AllProjects
	AllProjects bool
}

// Report summarizes one scan pass (spec §4.4 "diagnostic report").
type Report struct {
	SessionsSeen   int
	SessionsSkipped int
	ParseErrors    []ParseError
}

// ParseError records an adapter-level parse failure that did not abort
// the scan (spec §7 kind 2).
type ParseError struct {
	Provider provider.Name
	Path     string
	Err      error
}

// Scanner drives scan passes against a registry of provider adapters,
// persisting results through the pointer index.
type Scanner struct {
	registry *provider.Registry
	store    *index.Store
	log      *logging.Logger
}

// New builds a Scanner over the given adapters and index.
func New(registry *provider.Registry, store *index.Store, log *logging.Logger) *Scanner {
	if log == nil {
		log = logging.Default
	}
	return &Scanner{registry: registry, store: store, log: log.WithComponent("scanner")}
}

// Run performs one scan pass across every enabled provider, honoring
// scope, and returns a diagnostic report (spec §4.4).
func (s *Scanner) Run(ctx context.Context, scope Scope, logRoots map[provider.Name]string) (Report, error) {
	ctx, span := tracer.Start(ctx, "scan.run")
	defer span.End()

	var scopeHash string
	if !scope.AllProjects && scope.ProjectRoot != "" {
		h, err := project.Hash(scope.ProjectRoot)
		if err != nil {
			return Report{}, err
		}
		scopeHash = h
	}

	report := Report{}
	adapters := s.registry.All()
	span.SetAttributes(attribute.Int("provider_count", len(adapters)))

	for _, adapter := range adapters {
		start := time.Now()
		root := logRoots[adapter.Name()]
		if root == "" {
			r, err := adapter.DefaultLogRoot()
			if err != nil {
				report.ParseErrors = append(report.ParseErrors, ParseError{Provider: adapter.Name(), Err: err})
				continue
			}
			root = r
		}

		sessions, skipped, perrs, err := s.scanProvider(ctx, adapter, root, scopeHash)
		if err != nil {
			report.ParseErrors = append(report.ParseErrors, ParseError{Provider: adapter.Name(), Path: root, Err: err})
			continue
		}
		report.SessionsSeen += sessions
		report.SessionsSkipped += skipped
		report.ParseErrors = append(report.ParseErrors, perrs...)

		s.log.ScanResult(string(adapter.Name()), sessions, skipped, time.Since(start))
	}

	return report, nil
}

func (s *Scanner) scanProvider(ctx context.Context, adapter provider.Adapter, logRoot, scopeHash string) (sessions, skipped int, errs []ParseError, err error) {
	headers, err := adapter.Scan(ctx, logRoot, scopeHash)
	if err != nil {
		return 0, 0, nil, err
	}

	for header := range headers {
		projectHash, herr := s.resolveProjectHash(header)
		if herr != nil {
			errs = append(errs, ParseError{Provider: adapter.Name(), Path: header.Path, Err: herr})
			continue
		}

		if scopeHash != "" && projectHash != scopeHash {
			skipped++
			continue
		}

		if header.ParseError != nil {
			errs = append(errs, ParseError{Provider: adapter.Name(), Path: header.Path, Err: header.ParseError})
		}

		unchanged, cerr := s.fileUnchanged(ctx, header.Path)
		if cerr == nil && unchanged && header.ParseError == nil {
			skipped++
			continue
		}

		if err := s.store.UpsertProject(ctx, projectHash, header.ProjectRoot, time.Now().UTC()); err != nil {
			errs = append(errs, ParseError{Provider: adapter.Name(), Path: header.Path, Err: err})
			continue
		}

		isValid := header.ParseError == nil
		if err := s.store.UpsertSession(ctx, index.Session{
			ID:          header.SessionID,
			ProjectHash: projectHash,
			Provider:    string(adapter.Name()),
			StartTS:     header.StartTS,
			EndTS:       header.EndTS,
			Snippet:     header.Snippet,
			IsValid:     isValid,
		}); err != nil {
			errs = append(errs, ParseError{Provider: adapter.Name(), Path: header.Path, Err: err})
			continue
		}

		size, modTime, serr := statFile(header.Path)
		if serr != nil {
			errs = append(errs, ParseError{Provider: adapter.Name(), Path: header.Path, Err: serr})
			continue
		}
		if err := s.store.UpsertLogFile(ctx, index.LogFile{
			Path:      header.Path,
			SessionID: header.SessionID,
			Role:      string(header.FileRole),
			FileSize:  size,
			ModTime:   modTime,
		}); err != nil {
			errs = append(errs, ParseError{Provider: adapter.Name(), Path: header.Path, Err: err})
			continue
		}

		sessions++
	}

	return sessions, skipped, errs, nil
}

// fileUnchanged reports whether path's (file_size, mod_time) matches the
// tuple already stored in the index, letting the scanner skip re-parsing
// unchanged files (spec §4.4 "Incremental re-scan").
func (s *Scanner) fileUnchanged(ctx context.Context, path string) (bool, error) {
	stored, ok, err := s.store.GetLogFile(ctx, path)
	if err != nil || !ok {
		return false, err
	}
	size, modTime, err := statFile(path)
	if err != nil {
		return false, err
	}
	return size == stored.FileSize && modTime.Equal(stored.ModTime), nil
}

func statFile(path string) (int64, time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime().UTC(), nil
}

// resolveProjectHash adopts a provider-supplied hash (Gemini) or derives
// one from the header's project root (spec §4.4 step 2).
func (s *Scanner) resolveProjectHash(header provider.SessionHeader) (string, error) {
	if header.ProjectHash != "" {
		return header.ProjectHash, nil
	}
	if header.ProjectRoot == "" {
		return "", nil
	}
	return project.Hash(header.ProjectRoot)
}
