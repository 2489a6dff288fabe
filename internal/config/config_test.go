package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
remote_root = "sync"
debounce_ms = 250

[[sync_dir]]
source_path = "~/Documents"

[[sync_dir]]
source_path = "/srv/shared"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RemoteRoot != "sync" {
		t.Errorf("remote_root = %q, want sync", cfg.RemoteRoot)
	}

	if cfg.DebounceMS != 250 {
		t.Errorf("debounce_ms = %d, want 250", cfg.DebounceMS)
	}

	if cfg.SettleMS != DefaultSettleMS {
		t.Errorf("settle_ms = %d, want default %d", cfg.SettleMS, DefaultSettleMS)
	}

	if len(cfg.SyncDirs) != 2 || cfg.SyncDirs[1].SourcePath != "/srv/shared" {
		t.Errorf("sync_dirs = %+v", cfg.SyncDirs)
	}
}

func TestLoad_UnknownKeysAreFatal(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
remote_root = "sync"
debounce_milliseconds = 250
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}

	if !strings.Contains(err.Error(), "debounce_milliseconds") {
		t.Errorf("error %q does not name the unknown key", err)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"zero debounce", "debounce_ms = 0"},
		{"negative settle", "settle_ms = -1"},
		{"empty source path", "[[sync_dir]]\nsource_path = \"\""},
		{"duplicate source path", "[[sync_dir]]\nsource_path = \"/a\"\n[[sync_dir]]\nsource_path = \"/a\""},
		{"double slash remote root", `remote_root = "a//b"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}

	if cfg.DebounceMS != DefaultDebounceMS || cfg.SettleMS != DefaultSettleMS {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestWatchRoots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg := &Config{
		DebounceMS: DefaultDebounceMS,
		SettleMS:   DefaultSettleMS,
		SyncDirs:   []SyncDir{{SourcePath: dir}},
	}

	roots, err := cfg.WatchRoots()
	if err != nil {
		t.Fatalf("WatchRoots: %v", err)
	}

	if len(roots) != 1 {
		t.Fatalf("got %d roots, want 1", len(roots))
	}

	if !filepath.IsAbs(roots[0]) {
		t.Errorf("root %q is not absolute", roots[0])
	}
}

func TestWatchRoots_MissingDir(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		DebounceMS: DefaultDebounceMS,
		SettleMS:   DefaultSettleMS,
		SyncDirs:   []SyncDir{{SourcePath: filepath.Join(t.TempDir(), "gone")}},
	}

	if _, err := cfg.WatchRoots(); err == nil {
		t.Fatal("expected error for missing sync dir")
	}
}

func TestCanonicalizePath_TildeExpansion(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got, err := CanonicalizePath("~/Documents")
	if err != nil {
		t.Fatalf("CanonicalizePath: %v", err)
	}

	if !strings.HasPrefix(got, home) {
		t.Errorf("got %q, want a path under %q", got, home)
	}
}

func TestDefaultDirsRespectXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")

	if got := DefaultConfigDir(); got != "/tmp/xdg-config/proton-drive-sync" {
		t.Errorf("config dir = %q", got)
	}

	if got := DefaultStateDir(); got != "/tmp/xdg-state/proton-drive-sync" {
		t.Errorf("state dir = %q", got)
	}
}
