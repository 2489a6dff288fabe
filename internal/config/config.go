// Package config loads and validates the proton-drive-sync configuration
// file and resolves the XDG directories the daemon works in.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults applied before the config file is decoded.
const (
	// DefaultDebounceMS is the quiet period after the last filesystem burst
	// before buffered changes are flushed to the job queue.
	DefaultDebounceMS = 500
	// DefaultSettleMS is written into .watchmanconfig so the change service
	// coalesces rapid bursts before notifying.
	DefaultSettleMS = 500
)

// SyncDir is a single watched directory entry from the config file.
type SyncDir struct {
	SourcePath string `toml:"source_path"`
}

// Config is the user-editable configuration.
type Config struct {
	RemoteRoot string    `toml:"remote_root"`
	DebounceMS int       `toml:"debounce_ms"`
	SettleMS   int       `toml:"settle_ms"`
	LogLevel   string    `toml:"log_level"`
	SyncDirs   []SyncDir `toml:"sync_dir"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		DebounceMS: DefaultDebounceMS,
		SettleMS:   DefaultSettleMS,
	}
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors — silently ignoring a typo
// in a config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config with all default values so a first run works without any setup.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate checks structural constraints that do not require filesystem
// access. Path canonicalization happens in WatchRoots.
func (c *Config) Validate() error {
	if c.DebounceMS <= 0 {
		return fmt.Errorf("debounce_ms must be positive, got %d", c.DebounceMS)
	}

	if c.SettleMS <= 0 {
		return fmt.Errorf("settle_ms must be positive, got %d", c.SettleMS)
	}

	if strings.Contains(c.RemoteRoot, "//") {
		return fmt.Errorf("remote_root must not contain empty components: %q", c.RemoteRoot)
	}

	seen := make(map[string]bool, len(c.SyncDirs))

	for i, d := range c.SyncDirs {
		if d.SourcePath == "" {
			return fmt.Errorf("sync_dir[%d]: source_path is empty", i)
		}

		if seen[d.SourcePath] {
			return fmt.Errorf("sync_dir[%d]: duplicate source_path %q", i, d.SourcePath)
		}

		seen[d.SourcePath] = true
	}

	return nil
}

// WatchRoots expands and canonicalizes every configured source_path. Each
// root must exist and be a directory; symlinks are resolved so the change
// service and the daemon agree on the canonical path.
func (c *Config) WatchRoots() ([]string, error) {
	roots := make([]string, 0, len(c.SyncDirs))

	for _, d := range c.SyncDirs {
		root, err := CanonicalizePath(d.SourcePath)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("config: sync_dir %s: %w", d.SourcePath, err)
		}

		if !info.IsDir() {
			return nil, fmt.Errorf("config: sync_dir %s is not a directory", d.SourcePath)
		}

		roots = append(roots, root)
	}

	return roots, nil
}

// CanonicalizePath expands a leading ~, makes the path absolute, and
// resolves symlinks.
func CanonicalizePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving home directory: %w", err)
		}

		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("config: resolving %s: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (e.g. the state dir on first run);
		// callers that require existence stat separately.
		if errors.Is(err, os.ErrNotExist) {
			return abs, nil
		}

		return "", fmt.Errorf("config: resolving symlinks for %s: %w", path, err)
	}

	return resolved, nil
}
