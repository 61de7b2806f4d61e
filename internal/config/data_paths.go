package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DataDir returns the directory forgectl stores data in when storage.path is unset:
// $XDG_DATA_HOME/forgectl, falling back to ~/.local/share/forgectl and then ./.forgectl.
func DataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "forgectl")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".forgectl"
	}
	return filepath.Join(home, ".local", "share", "forgectl")
}

// StoragePath resolves the on-disk location of the configured backend.
// It is a directory for the file backend, a database file for sqlite and
// empty for the memory backend.
func (c *Config) StoragePath() string {
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Path != "" {
			return c.Storage.Path
		}
		return filepath.Join(DataDir(), "kv")
	case BackendSQLite:
		if c.Storage.Path != "" {
			return c.Storage.Path
		}
		return filepath.Join(DataDir(), "forge.db")
	default:
		return ""
	}
}
