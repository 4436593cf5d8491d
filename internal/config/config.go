// Package config models the configuration shape the core consumes (spec
// §6): per-provider enablement and log-root overrides. Config file
// discovery (search order, env var precedence) is an external concern per
// spec.md §1 — this package only decodes the shape once a path is known.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ProviderConfig is the per-provider table under [providers.<name>].
type ProviderConfig struct {
	Enabled bool   `toml:"enabled"`
	LogRoot string `toml:"log_root"`
}

// Config is the full shape the core consumes.
type Config struct {
	Providers map[string]ProviderConfig `toml:"providers"`
	DataDir   string                    `toml:"data_dir"`
}

// New returns a Config with every known provider enabled and no log_root
// override (adapters fall back to their own DefaultLogRoot).
func New() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {Enabled: true},
			"codex":  {Enabled: true},
			"gemini": {Enabled: true},
		},
	}
}

// LoadFile loads configuration from a TOML file, overlaying it onto
// defaults so a partial file (e.g. disabling one provider) still leaves
// the rest usable.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Enabled reports whether a provider is enabled, defaulting to true for
// providers the config file doesn't mention at all.
func (c *Config) Enabled(provider string) bool {
	p, ok := c.Providers[provider]
	if !ok {
		return true
	}
	return p.Enabled
}

// LogRootOverride returns the configured log_root for a provider, or ""
// if the default should be used.
func (c *Config) LogRootOverride(provider string) string {
	return c.Providers[provider].LogRoot
}
