package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/env"
	"github.com/tattester/forgectl/internal/studio"
)

func runDoctorChecks(ctx context.Context, logger *slog.Logger, cfg *config.Config, sessionID string) error {
	if logger == nil {
		logger = slog.Default()
	}

	var fatal int

	for _, key := range env.FromOS().WithPrefix("FORGE_") {
		logger.Info("environment override present", "var", key)
	}

	if info, err := os.Stat(cfg.Loader.BaseDir); err != nil || !info.IsDir() {
		logger.Error("doctor check failed: loader base dir is not a directory", "dir", cfg.Loader.BaseDir, "error", err)
		fatal++
	} else {
		logger.Info("doctor check ok", "check", "loader base dir", "dir", cfg.Loader.BaseDir)
	}

	if err := ensureDataPath(logger, cfg); err != nil {
		logger.Error("doctor check failed: cannot create data dir", "error", err)
		return fmt.Errorf("doctor found a fatal issue; see log for details")
	}
	if err := checkDataPathWritable(cfg); err != nil {
		logger.Error("doctor check failed", "check", "data dir writable", "error", err)
		fatal++
	} else {
		logger.Info("doctor check ok", "check", "data dir writable", "dir", dataPathDir(cfg))
	}

	svc, err := studio.New(cfg, logger, nil)
	if err != nil {
		logger.Error("doctor check failed: cannot open storage", "backend", cfg.Storage.Backend, "error", err)
		return fmt.Errorf("doctor found a fatal issue; see log for details")
	}
	defer svc.Close()

	if took, err := svc.Probe(ctx); err != nil {
		logger.Error("doctor check failed", "check", "storage round trip", "backend", cfg.Storage.Backend, "error", err)
		fatal++
	} else {
		logger.Info("doctor check ok", "check", "storage round trip", "backend", cfg.Storage.Backend, "took", took)
	}

	if sessionID != "" {
		fatal += checkSessionImages(ctx, logger, svc, sessionID)
	}

	if fatal > 0 {
		return fmt.Errorf("doctor found %d fatal issue(s); see log for details", fatal)
	}
	return nil
}

// checkSessionImages loads every layer image of a session and returns the number of failures.
func checkSessionImages(ctx context.Context, logger *slog.Logger, svc *studio.Service, sessionID string) int {
	ws, err := svc.View(ctx, sessionID)
	if err != nil {
		logger.Error("doctor check failed: cannot load session", "session", sessionID, "error", err)
		return 1
	}
	failed := 0
	for _, l := range ws.Layers {
		if _, err := svc.Loader.Load(ctx, l.ImageURL); err != nil {
			logger.Error("doctor check failed: layer image unavailable", "session", sessionID, "layer", l.ID, "error", err)
			failed++
			continue
		}
		logger.Info("doctor check ok", "check", "layer image", "layer", l.ID)
	}
	return failed
}
