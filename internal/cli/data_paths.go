package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tattester/forgectl/internal/config"
)

// ensureDataPath creates the directory that holds the storage backend's data.
func ensureDataPath(logger *slog.Logger, cfg *config.Config) error {
	dir := dataPathDir(cfg)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %q: %w", dir, err)
	}
	if logger != nil {
		logger.Debug("data dir ready", "dir", dir, "backend", cfg.Storage.Backend)
	}
	return nil
}

// dataPathDir returns the directory owned by the backend, or "" for memory storage.
func dataPathDir(cfg *config.Config) string {
	path := cfg.StoragePath()
	switch {
	case path == "", path == ":memory:":
		return ""
	case cfg.Storage.Backend == config.BackendSQLite:
		return filepath.Dir(path)
	default:
		return path
	}
}

// checkDataPathWritable creates and removes a scratch file in the data dir.
func checkDataPathWritable(cfg *config.Config) error {
	dir := dataPathDir(cfg)
	if dir == "" {
		return nil
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("data dir %q is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
