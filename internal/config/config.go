// Package config contains the loader and strongly typed model for forge.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/env"
	"github.com/tattester/forgectl/internal/logging"
)

// DefaultFile is the config file looked up when --config is not given.
const DefaultFile = "forge.yaml"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the complete forgectl configuration after defaults, forge.yaml and
// FORGE_* overrides have been applied.
type Config struct {
	// LogLevel is the default log level (debug, info, warn, error).
	LogLevel string `yaml:"logLevel,omitempty" env:"FORGE_LOG_LEVEL"`
	// EnvFiles lists .env files loaded before FORGE_* overrides are read.
	// Relative paths resolve against the directory of forge.yaml; a leading "?" marks a file optional.
	EnvFiles []string `yaml:"envFiles,omitempty"`
	// Storage selects the key-value backend for workspaces and versions.
	Storage StorageConfig `yaml:"storage,omitempty" envPrefix:"FORGE_STORAGE_"`
	// History configures the per-session undo/redo log.
	History HistoryConfig `yaml:"history,omitempty" envPrefix:"FORGE_HISTORY_"`
	// Versions configures the version repository.
	Versions VersionsConfig `yaml:"versions,omitempty" envPrefix:"FORGE_VERSIONS_"`
	// Canvas sets the default placement and resolution of new workspaces.
	Canvas CanvasConfig `yaml:"canvas,omitempty" envPrefix:"FORGE_CANVAS_"`
	// Thumbnails configures layer thumbnail generation.
	Thumbnails ThumbnailConfig `yaml:"thumbnails,omitempty" envPrefix:"FORGE_THUMBNAILS_"`
	// Export sets the defaults for raster exports.
	Export ExportConfig `yaml:"export,omitempty" envPrefix:"FORGE_EXPORT_"`
	// Loader configures how layer images are fetched and cached.
	Loader LoaderConfig `yaml:"loader,omitempty" envPrefix:"FORGE_LOADER_"`
	// Server configures `forgectl serve`.
	Server ServerConfig `yaml:"server,omitempty" envPrefix:"FORGE_SERVER_"`

	// Path is the file the config was read from, empty when only defaults were used.
	Path string `yaml:"-"`
	// BaseDir is the directory relative paths resolve against.
	BaseDir string `yaml:"-"`
}

// StorageConfig describes the persistence backend.
type StorageConfig struct {
	// Backend is one of memory, file or sqlite.
	Backend string `yaml:"backend,omitempty" env:"BACKEND"`
	// Path is the directory (file backend) or database file (sqlite backend).
	// Empty selects a location under the user data directory.
	Path string `yaml:"path,omitempty" env:"PATH"`
	// MaxBytes caps the total stored bytes. Zero disables the quota.
	MaxBytes int64 `yaml:"maxBytes,omitempty" env:"MAX_BYTES"`
}

// HistoryConfig configures undo/redo.
type HistoryConfig struct {
	// Limit is the maximum number of undo (and redo) snapshots.
	Limit int `yaml:"limit,omitempty" env:"LIMIT"`
}

// VersionsConfig configures the version repository.
type VersionsConfig struct {
	// MaxPerSession caps the versions kept per session; the oldest is evicted first.
	MaxPerSession int `yaml:"maxPerSession,omitempty" env:"MAX_PER_SESSION"`
	// ExpiryDays is the idle age after which `version purge` drops a session.
	ExpiryDays int `yaml:"expiryDays,omitempty" env:"EXPIRY_DAYS"`
}

// Expiry converts ExpiryDays to a duration.
func (v VersionsConfig) Expiry() time.Duration {
	return time.Duration(v.ExpiryDays) * 24 * time.Hour
}

// CanvasConfig sets canvas defaults.
type CanvasConfig struct {
	// BodyPart is the placement preset of new workspaces.
	BodyPart string `yaml:"bodyPart,omitempty" env:"BODY_PART"`
	// LongSide is the pixel length of the canvas' longer side.
	LongSide int `yaml:"longSide,omitempty" env:"LONG_SIDE"`
	// ARTargetSide is the longer side of AR exports.
	ARTargetSide int `yaml:"arTargetSide,omitempty" env:"AR_TARGET_SIDE"`
	// MaxSide rejects composites larger than this in either dimension.
	MaxSide int `yaml:"maxSide,omitempty" env:"MAX_SIDE"`
}

// ThumbnailConfig configures layer thumbnails.
type ThumbnailConfig struct {
	// Size is the edge length of the square thumbnail.
	Size int `yaml:"size,omitempty" env:"SIZE"`
	// Timeout bounds a single thumbnail render.
	Timeout time.Duration `yaml:"timeout,omitempty" env:"TIMEOUT"`
	// Disabled turns thumbnail generation off.
	Disabled bool `yaml:"disabled,omitempty" env:"DISABLED"`
}

// ExportConfig sets raster export defaults.
type ExportConfig struct {
	// Format is png or jpeg.
	Format string `yaml:"format,omitempty" env:"FORMAT"`
	// Quality is in (0,1]; it sets JPEG quality and PNG compression effort.
	Quality float64 `yaml:"quality,omitempty" env:"QUALITY"`
}

// LoaderConfig configures image loading.
type LoaderConfig struct {
	// BaseDir resolves relative image paths. Empty uses the config directory.
	BaseDir string `yaml:"baseDir,omitempty" env:"BASE_DIR"`
	// HTTPTimeout bounds remote image downloads.
	HTTPTimeout time.Duration `yaml:"httpTimeout,omitempty" env:"HTTP_TIMEOUT"`
	// MaxBytes caps a single image payload.
	MaxBytes int64 `yaml:"maxBytes,omitempty" env:"MAX_BYTES"`
	// CacheTTL is how long decoded images stay cached. Zero disables the cache.
	CacheTTL time.Duration `yaml:"cacheTTL,omitempty" env:"CACHE_TTL"`
	// CacheSize is the maximum number of cached images.
	CacheSize int `yaml:"cacheSize,omitempty" env:"CACHE_SIZE"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr,omitempty" env:"ADDR"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Backend: BackendFile,
		},
		History:  HistoryConfig{Limit: 50},
		Versions: VersionsConfig{MaxPerSession: 50, ExpiryDays: 90},
		Canvas: CanvasConfig{
			BodyPart:     string(canvas.DefaultBodyPart),
			LongSide:     1024,
			ARTargetSide: 1024,
			MaxSide:      8192,
		},
		Thumbnails: ThumbnailConfig{Size: 64, Timeout: 30 * time.Second},
		Export:     ExportConfig{Format: "png", Quality: 0.9},
		Loader: LoaderConfig{
			HTTPTimeout: 30 * time.Second,
			MaxBytes:    32 << 20,
			CacheTTL:    10 * time.Minute,
			CacheSize:   64,
		},
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
	}
}

// LoadOptions influences how Load resolves the configuration.
type LoadOptions struct {
	// Optional allows the config file to be missing, in which case defaults are used.
	Optional bool
	// Vars are inline overrides applied after the process environment and envFiles.
	Vars env.Vars
	// Environ replaces the process environment, mainly for tests.
	Environ env.Vars
}

// Load reads forge.yaml at path, loads its envFiles and applies FORGE_* overrides.
func Load(path string, opts LoadOptions) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = DefaultFile
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.BaseDir = filepath.Dir(absPath)

	raw, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", absPath, err)
		}
		cfg.Path = absPath
	case errors.Is(err, os.ErrNotExist) && opts.Optional:
		if wd, wdErr := os.Getwd(); wdErr == nil {
			cfg.BaseDir = wd
		}
	default:
		return nil, fmt.Errorf("read config %q: %w", absPath, err)
	}

	osVars := opts.Environ
	if osVars == nil {
		osVars = env.FromOS()
	}
	fileVars, err := env.LoadEnvFiles(cfg.BaseDir, cfg.EnvFiles)
	if err != nil {
		return nil, err
	}
	vars := env.Merge(osVars, fileVars, opts.Vars)
	if err := envparse.ParseWithOptions(cfg, envparse.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("apply FORGE_* overrides: %w", err)
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) resolvePaths() {
	if c.Loader.BaseDir == "" {
		c.Loader.BaseDir = c.BaseDir
	} else if !filepath.IsAbs(c.Loader.BaseDir) {
		c.Loader.BaseDir = filepath.Join(c.BaseDir, c.Loader.BaseDir)
	}
	if c.Storage.Path != "" && !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(c.BaseDir, c.Storage.Path)
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if err := logging.ValidLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, file or sqlite, got %q", c.Storage.Backend))
	}
	if c.Storage.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("storage.maxBytes must not be negative"))
	}
	if c.History.Limit <= 0 {
		errs = append(errs, fmt.Errorf("history.limit must be positive, got %d", c.History.Limit))
	}
	if c.Versions.MaxPerSession <= 0 {
		errs = append(errs, fmt.Errorf("versions.maxPerSession must be positive, got %d", c.Versions.MaxPerSession))
	}
	if c.Versions.ExpiryDays <= 0 {
		errs = append(errs, fmt.Errorf("versions.expiryDays must be positive, got %d", c.Versions.ExpiryDays))
	}
	if _, err := canvas.Resolve(c.Canvas.BodyPart, c.Canvas.LongSide); err != nil {
		errs = append(errs, fmt.Errorf("canvas: %w", err))
	}
	if c.Canvas.ARTargetSide <= 0 || c.Canvas.MaxSide <= 0 {
		errs = append(errs, fmt.Errorf("canvas.arTargetSide and canvas.maxSide must be positive"))
	}
	if c.Canvas.LongSide > c.Canvas.MaxSide || c.Canvas.ARTargetSide > c.Canvas.MaxSide {
		errs = append(errs, fmt.Errorf("canvas sides must not exceed canvas.maxSide (%d)", c.Canvas.MaxSide))
	}
	if c.Thumbnails.Size <= 0 {
		errs = append(errs, fmt.Errorf("thumbnails.size must be positive, got %d", c.Thumbnails.Size))
	}
	switch strings.ToLower(c.Export.Format) {
	case "png", "jpeg", "jpg":
	default:
		errs = append(errs, fmt.Errorf("export.format must be png or jpeg, got %q", c.Export.Format))
	}
	if c.Export.Quality <= 0 || c.Export.Quality > 1 {
		errs = append(errs, fmt.Errorf("export.quality must be in (0,1], got %g", c.Export.Quality))
	}
	if c.Loader.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("loader.maxBytes must be positive"))
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, fmt.Errorf("server.addr must be set"))
	}
	return errors.Join(errs...)
}
