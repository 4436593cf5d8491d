// Command agtrace is a thin wiring demonstration over the core packages:
// it scans provider log roots into the pointer index, watches one session
// live, and serves a handful of the query surface's operations from the
// terminal. It is not a full CLI product surface (spec.md Non-goals) —
// just enough to exercise scanner, watcher, loader, and query end to end,
// in the teacher's kong struct-tag dispatch style (cmd/agent/cli.go).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/agtrace/agtrace/internal/config"
	"github.com/agtrace/agtrace/internal/index"
	"github.com/agtrace/agtrace/internal/loader"
	"github.com/agtrace/agtrace/internal/logging"
	"github.com/agtrace/agtrace/internal/provider"
	"github.com/agtrace/agtrace/internal/provider/claude"
	"github.com/agtrace/agtrace/internal/provider/codex"
	"github.com/agtrace/agtrace/internal/provider/gemini"
	"github.com/agtrace/agtrace/internal/query"
	"github.com/agtrace/agtrace/internal/runtime"
	"github.com/agtrace/agtrace/internal/scanner"
	"github.com/agtrace/agtrace/internal/watcher"
)

// CLI is the root command structure, dispatched by kong.
type CLI struct {
	DataDir string `help:"Directory holding the pointer index." default:"~/.agtrace"`
	Config  string `help:"TOML config file path." default:""`

	Scan         ScanCmd         `cmd:"" help:"Scan provider log roots and refresh the pointer index."`
	Watch        WatchCmd        `cmd:"" help:"Watch one session live and print updates as they arrive."`
	ListSessions ListSessionsCmd `cmd:"" name:"list-sessions" help:"List indexed sessions."`
	ShowSession  ShowSessionCmd  `cmd:"" name:"show-session" help:"Print a session's turns."`
	Analyze      AnalyzeCmd      `cmd:"" help:"Print a session's aggregated diagnostics."`
}

// appContext bundles the core handles every subcommand needs, resolved
// once in main before kong dispatches to a command's Run method.
type appContext struct {
	cfg      *config.Config
	store    *index.Store
	registry *provider.Registry
	loader   *loader.Loader
	query    *query.Service
	log      *logging.Logger
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	parser := kong.Must(&cli, kong.Name("agtrace"), kong.Description("Observability over AI coding agent session logs."))
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	app, err := buildContext(cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agtrace:", err)
		os.Exit(1)
	}
	defer app.store.Close()

	if err := kctx.Run(app); err != nil {
		fmt.Fprintln(os.Stderr, "agtrace:", err)
		os.Exit(1)
	}
}

func buildContext(cli CLI) (*appContext, error) {
	dataDir := expandHome(cli.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	cfg := config.New()
	if cli.Config != "" {
		loaded, err := config.LoadFile(cli.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	store, err := index.Open(filepath.Join(dataDir, "agtrace.db"))
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry(claude.New(), codex.New(), gemini.New())
	ld := loader.New(store, registry)
	svc := query.New(store, ld, registry, 50)
	log := logging.New().WithComponent("agtrace")
	log.SetOutput(os.Stderr)

	return &appContext{cfg: cfg, store: store, registry: registry, loader: ld, query: svc, log: log}, nil
}

func expandHome(path string) string {
	if path == "~" || len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// ScanCmd walks every enabled provider's log root into the pointer index.
type ScanCmd struct {
	Project string `help:"Restrict the scan to one project root path."`
}

func (c *ScanCmd) Run(app *appContext) error {
	ctx := context.Background()
	sc := scanner.New(app.registry, app.store, app.log)

	scope := scanner.Scope{}
	if c.Project != "" {
		scope.ProjectRoot = c.Project
	} else {
		scope.AllProjects = true
	}

	logRoots := make(map[provider.Name]string)
	for _, a := range app.registry.All() {
		if !app.cfg.Enabled(string(a.Name())) {
			continue
		}
		root := app.cfg.LogRootOverride(string(a.Name()))
		if root == "" {
			var err error
			root, err = a.DefaultLogRoot()
			if err != nil {
				continue
			}
		}
		logRoots[a.Name()] = root
	}

	report, err := sc.Run(ctx, scope, logRoots)
	if err != nil {
		return err
	}
	fmt.Printf("sessions seen: %d, skipped (unchanged): %d, parse errors: %d\n",
		report.SessionsSeen, report.SessionsSkipped, len(report.ParseErrors))
	for _, pe := range report.ParseErrors {
		fmt.Fprintf(os.Stderr, "  parse error [%s] %s: %v\n", pe.Provider, pe.Path, pe.Err)
	}
	return nil
}

// WatchCmd attaches to one session and streams updates until interrupted.
type WatchCmd struct {
	Provider     string `arg:"" help:"Provider name (claude, codex, gemini)."`
	LogRoot      string `help:"Override the provider's default log root."`
	SessionID    string `arg:"" help:"Full session id to attach to (prefixes are not resolved)."`
	SafetyPolicy string `help:"YAML file declaring SafetyGuard's system directory patterns." name:"safety-policy"`
}

func (c *WatchCmd) Run(app *appContext) error {
	adapter, ok := app.registry.Get(provider.Name(c.Provider))
	if !ok {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	logRoot := c.LogRoot
	if logRoot == "" {
		var err error
		logRoot, err = adapter.DefaultLogRoot()
		if err != nil {
			return err
		}
	}

	w, err := watcher.New(adapter, logRoot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := w.Attach(ctx, c.SessionID); err != nil {
		return err
	}

	var systemPatterns []string
	if c.SafetyPolicy != "" {
		patterns, err := runtime.LoadSafetyPolicy(c.SafetyPolicy)
		if err != nil {
			return err
		}
		systemPatterns = patterns
	}
	rt := runtime.New(
		runtime.NewTokenUsageMonitor(0.8, 0.95),
		runtime.NewStallDetector(0),
		&runtime.SafetyGuard{UserRoot: c.LogRoot, SystemPatterns: systemPatterns},
	)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for {
		select {
		case ev, ok := <-w.Out:
			if !ok {
				return <-done
			}
			printWatchEvent(ev, rt)
		case err := <-done:
			return err
		}
	}
}

func printWatchEvent(ev watcher.Event, rt *runtime.Runtime) {
	switch ev.Kind {
	case watcher.EventUpdate:
		for _, e := range ev.NewEvents {
			for _, w := range rt.Tick(e) {
				fmt.Printf("! [%s] %s\n", w.Kind, w.Message)
			}
		}
		fmt.Printf("update: %d new event(s), %d warning(s)\n", len(ev.NewEvents), len(ev.Warnings))
	case watcher.EventSessionRotated:
		fmt.Printf("rotated: %s -> %s\n", ev.OldSessionID, ev.NewSessionID)
	case watcher.EventError:
		fmt.Fprintf(os.Stderr, "error (fatal=%v): %s\n", ev.Fatal, ev.Message)
	}
}

// ListSessionsCmd prints a page of indexed sessions as JSON.
type ListSessionsCmd struct {
	Project string `help:"Restrict to one project hash."`
	Limit   int    `help:"Page size." default:"20"`
}

func (c *ListSessionsCmd) Run(app *appContext) error {
	resp, err := app.query.ListSessions(context.Background(), query.ListSessionsFilter{ProjectHash: c.Project}, c.Limit, "")
	if err != nil {
		return err
	}
	return printJSON(resp)
}

// ShowSessionCmd prints the first page of one session's turn summaries
// as JSON.
type ShowSessionCmd struct {
	SessionID string `arg:"" help:"Session id or unambiguous prefix."`
	Limit     int    `help:"Page size." default:"50"`
}

func (c *ShowSessionCmd) Run(app *appContext) error {
	resp, err := app.query.ListTurns(context.Background(), c.SessionID, 0, c.Limit)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

// AnalyzeCmd prints one session's aggregated diagnostics as JSON.
type AnalyzeCmd struct {
	SessionID string `arg:"" help:"Session id or unambiguous prefix."`
}

func (c *AnalyzeCmd) Run(app *appContext) error {
	report, err := app.query.AnalyzeSession(context.Background(), c.SessionID, nil)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
