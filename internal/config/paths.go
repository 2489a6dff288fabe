package config

import (
	"os"
	"path/filepath"
)

// Application directory name used for both config and state.
const appName = "proton-drive-sync"

// Config file name.
const configFileName = "config.toml"

// DefaultConfigDir returns the directory for the user-editable config file.
// Respects XDG_CONFIG_HOME (defaults to ~/.config/proton-drive-sync).
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultStateDir returns the directory for daemon state (database, log).
// Respects XDG_STATE_HOME (defaults to ~/.local/state/proton-drive-sync).
func DefaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".local", "state", appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DBPath returns the path of the shared state database inside stateDir.
func DBPath(stateDir string) string {
	return filepath.Join(stateDir, "state.db")
}

// LogPath returns the path of the rotated daemon log inside stateDir.
func LogPath(stateDir string) string {
	return filepath.Join(stateDir, "daemon.log")
}
