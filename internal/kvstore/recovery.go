package kvstore

import (
	"context"
	"log/slog"

	"github.com/tattester/forgectl/internal/logging"
)

// PurgeFunc frees space in a store and reports how many entries it removed.
type PurgeFunc func(ctx context.Context) (int, error)

// Recovering wraps a Store so that a write rejected for quota triggers one purge
// followed by a single retry.
type Recovering struct {
	Store
	purge  PurgeFunc
	logger *slog.Logger
}

// WithRecovery wraps store with purge-and-retry behaviour on quota failures.
func WithRecovery(store Store, purge PurgeFunc, logger *slog.Logger) *Recovering {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recovering{Store: store, purge: purge, logger: logger}
}

// SetPurge replaces the purge function. It is used when the purger itself is built on top of the store.
func (r *Recovering) SetPurge(purge PurgeFunc) {
	r.purge = purge
}

func (r *Recovering) Set(ctx context.Context, key string, value []byte) (SetResult, error) {
	res, err := r.Store.Set(ctx, key, value)
	if err == nil || !IsQuotaExceededError(err) || r.purge == nil {
		return res, err
	}

	removed, purgeErr := r.purge(ctx)
	if purgeErr != nil {
		r.logger.Warn("storage purge failed", "key", key, "error", purgeErr)
		return res, err
	}
	r.logger.Info("storage quota exceeded, purged expired entries", "key", key, "removed", removed)

	res, err = r.Store.Set(ctx, key, value)
	if err != nil {
		return res, err
	}
	res.Recovered = true
	return res, nil
}
