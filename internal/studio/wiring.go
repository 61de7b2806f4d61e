package studio

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/engine"
	"github.com/tattester/forgectl/internal/imageload"
	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/logging"
	"github.com/tattester/forgectl/internal/metrics"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/version"
)

// OpenStore opens the key-value backend selected by cfg. The returned close
// function releases it.
func OpenStore(cfg *config.Config) (kvstore.Store, func() error, error) {
	var opts []kvstore.Option
	if cfg.Storage.MaxBytes > 0 {
		opts = append(opts, kvstore.WithQuota(cfg.Storage.MaxBytes))
	}
	noop := func() error { return nil }

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return kvstore.NewMemory(opts...), noop, nil
	case config.BackendFile:
		fs, err := kvstore.NewFile(cfg.StoragePath(), opts...)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	case config.BackendSQLite:
		db, err := kvstore.OpenSQLite(cfg.StoragePath())
		if err != nil {
			return nil, nil, err
		}
		s, err := kvstore.NewSQLite(db, opts...)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// New builds a Service from cfg. Metrics are registered with reg; a nil reg
// uses a private registry.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("studio requires a config")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	backend, closeBackend, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	m := metrics.New(reg)
	recovering := kvstore.WithRecovery(m.InstrumentStore(backend), nil, logger.With("component", "kvstore"))

	repo, err := version.NewRepository(recovering,
		version.WithMaxVersions(cfg.Versions.MaxPerSession),
		version.WithExpiry(cfg.Versions.Expiry()),
		version.WithLogger(logger.With("component", "versions")),
		version.WithObserver(m),
	)
	if err != nil {
		_ = closeBackend()
		return nil, err
	}

	defaultCanvas, err := canvas.Resolve(cfg.Canvas.BodyPart, cfg.Canvas.LongSide)
	if err != nil {
		_ = closeBackend()
		return nil, err
	}
	workspaces, err := state.NewStore(recovering, logger.With("component", "workspace"), state.WithDefaultCanvas(defaultCanvas))
	if err != nil {
		_ = closeBackend()
		return nil, err
	}

	loader := imageload.New(
		imageload.WithBaseDir(cfg.Loader.BaseDir),
		imageload.WithHTTPClient(&http.Client{Timeout: cfg.Loader.HTTPTimeout}),
		imageload.WithMaxBytes(cfg.Loader.MaxBytes),
		imageload.WithCache(imageload.NewCache(cfg.Loader.CacheTTL, cfg.Loader.CacheSize)),
		imageload.WithLogger(logger.With("component", "loader")),
	)
	eng := engine.NewEngine(loader,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithObserver(m),
		engine.WithARTargetSide(cfg.Canvas.ARTargetSide),
		engine.WithMaxCanvasSide(cfg.Canvas.MaxSide),
	)

	layerOpts := []layer.Option{
		layer.WithHistoryLimit(cfg.History.Limit),
		layer.WithLogger(logger.With("component", "layers")),
		layer.WithObserver(m),
	}
	if !cfg.Thumbnails.Disabled {
		layerOpts = append(layerOpts,
			layer.WithThumbnailer(eng, cfg.Thumbnails.Size),
			layer.WithThumbnailTimeout(cfg.Thumbnails.Timeout),
		)
	}

	svc := &Service{
		Config:     cfg,
		Workspaces: workspaces,
		Versions:   repo,
		Engine:     eng,
		Loader:     loader,
		Metrics:    m,
		logger:     logger,
		layerOpts:  layerOpts,
		closers:    []func() error{closeBackend},
	}
	recovering.SetPurge(svc.Purge)
	return svc, nil
}

// Probe writes, reads and deletes a scratch key to check the storage backend.
func (s *Service) Probe(ctx context.Context) (time.Duration, error) {
	const key = "probe/doctor"
	start := time.Now()
	store := s.Workspaces.KV()
	if _, err := store.Set(ctx, key, []byte(`{"ok":true}`)); err != nil {
		return 0, fmt.Errorf("write probe: %w", err)
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read probe: %w", err)
	}
	if !ok || string(raw) != `{"ok":true}` {
		return 0, fmt.Errorf("read probe: value mismatch")
	}
	if err := store.Delete(ctx, key); err != nil {
		return 0, fmt.Errorf("delete probe: %w", err)
	}
	return time.Since(start), nil
}
