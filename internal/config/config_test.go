package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agtrace.toml")
	content := `
data_dir = "/tmp/agtrace"

[providers.claude]
enabled = true
log_root = "/custom/claude"

[providers.codex]
enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/agtrace" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if !cfg.Enabled("claude") {
		t.Error("claude should be enabled")
	}
	if cfg.Enabled("codex") {
		t.Error("codex should be disabled")
	}
	if cfg.Enabled("gemini") != true {
		t.Error("gemini absent from file should default to enabled")
	}
	if cfg.LogRootOverride("claude") != "/custom/claude" {
		t.Errorf("log root override = %q", cfg.LogRootOverride("claude"))
	}
}
