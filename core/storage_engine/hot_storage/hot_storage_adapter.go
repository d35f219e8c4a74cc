// Package hotstorage wraps the low-latency key-value backend that holds every
// newly written record until the tiering engine archives it.
package hotstorage

import (
	"context"
	"errors"
	"time"

	"github.com/sushant-115/gojotier/core/storage_engine/common"
	"github.com/sushant-115/gojotier/internal/retry"
	"go.uber.org/zap"
)

// Backend is the contract a concrete hot key-value engine must satisfy.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the record and true, or false when the key is absent.
	Get(ctx context.Context, key string) (common.Record, bool, error)
	Put(ctx context.Context, rec common.Record) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListOlderThan returns up to limit keys whose createdAt is strictly before
	// cutoff, oldest first, starting after cursor. An empty next cursor means
	// the listing is exhausted. Cursors stay valid across restarts.
	ListOlderThan(ctx context.Context, cutoff time.Time, cursor string, limit int) (keys []string, next string, err error)
	// Kind names the backend for logs and metrics.
	Kind() string
	Close() error
}

// HotStorageAdapter applies the retry policy to every backend call so callers
// only ever see a result, a not-found, or an exhausted common.ErrTransientIO.
type HotStorageAdapter struct {
	backend Backend
	policy  retry.Policy
	logger  *zap.Logger
}

// NewHotStorageAdapter wraps backend.
func NewHotStorageAdapter(backend Backend, policy retry.Policy, logger *zap.Logger) *HotStorageAdapter {
	return &HotStorageAdapter{
		backend: backend,
		policy:  policy,
		logger:  logger.Named("hot_storage").With(zap.String("backend", backend.Kind())),
	}
}

// GetAdapterType returns the backend kind, e.g. "redis" or "badger".
func (a *HotStorageAdapter) GetAdapterType() string { return a.backend.Kind() }

func (a *HotStorageAdapter) Get(ctx context.Context, key string) (common.Record, bool, error) {
	var (
		rec   common.Record
		found bool
	)
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		var err error
		rec, found, err = a.backend.Get(ctx, key)
		return permanentIfCorrupt(err)
	})
	if err != nil {
		a.logger.Warn("hot get failed", zap.String("key", key), zap.Error(err))
		return common.Record{}, false, err
	}
	return rec, found, nil
}

func (a *HotStorageAdapter) Put(ctx context.Context, rec common.Record) error {
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.backend.Put(ctx, rec)
	})
	if err != nil {
		a.logger.Warn("hot put failed", zap.String("key", rec.Key), zap.Error(err))
	}
	return err
}

func (a *HotStorageAdapter) Delete(ctx context.Context, key string) error {
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.backend.Delete(ctx, key)
	})
	if err != nil {
		a.logger.Warn("hot delete failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

func (a *HotStorageAdapter) ListOlderThan(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]string, string, error) {
	var (
		keys []string
		next string
	)
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		var err error
		keys, next, err = a.backend.ListOlderThan(ctx, cutoff, cursor, limit)
		return err
	})
	return keys, next, err
}

func (a *HotStorageAdapter) Close() error {
	return a.backend.Close()
}

func permanentIfCorrupt(err error) error {
	if errors.Is(err, common.ErrCorruptObject) {
		return retry.Permanent(err)
	}
	return err
}
