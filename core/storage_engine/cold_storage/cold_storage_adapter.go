// Package coldstorage wraps the high-latency, low-cost object backend that
// archived records are migrated into.
package coldstorage

import (
	"context"
	"errors"

	"github.com/sushant-115/gojotier/core/storage_engine/common"
	"github.com/sushant-115/gojotier/internal/retry"
	"go.uber.org/zap"
)

// Backend is the contract a concrete object store must satisfy.
// Listing is deliberately absent: object stores may list with eventual
// consistency, so nothing in the read or migration path depends on it.
type Backend interface {
	Get(ctx context.Context, key string) (common.Record, bool, error)
	// Put replaces any existing object for the key.
	Put(ctx context.Context, rec common.Record) error
	// Delete must treat an absent object as success.
	Delete(ctx context.Context, key string) error
	Kind() string
	Close() error
}

// ColdStorageAdapter applies the retry policy to a cold Backend.
type ColdStorageAdapter struct {
	backend Backend
	policy  retry.Policy
	logger  *zap.Logger
}

// NewColdStorageAdapter wraps backend.
func NewColdStorageAdapter(backend Backend, policy retry.Policy, logger *zap.Logger) *ColdStorageAdapter {
	return &ColdStorageAdapter{
		backend: backend,
		policy:  policy,
		logger:  logger.Named("cold_storage").With(zap.String("backend", backend.Kind())),
	}
}

// GetAdapterType returns the backend kind, e.g. "fs", "gcs" or "zstd+fs".
func (a *ColdStorageAdapter) GetAdapterType() string { return a.backend.Kind() }

func (a *ColdStorageAdapter) Get(ctx context.Context, key string) (common.Record, bool, error) {
	var (
		rec   common.Record
		found bool
	)
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		var err error
		rec, found, err = a.backend.Get(ctx, key)
		if errors.Is(err, common.ErrCorruptObject) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		a.logger.Warn("cold get failed", zap.String("key", key), zap.Error(err))
		return common.Record{}, false, err
	}
	return rec, found, nil
}

func (a *ColdStorageAdapter) Put(ctx context.Context, rec common.Record) error {
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.backend.Put(ctx, rec)
	})
	if err != nil {
		a.logger.Warn("cold put failed", zap.String("key", rec.Key), zap.Error(err))
	}
	return err
}

func (a *ColdStorageAdapter) Delete(ctx context.Context, key string) error {
	err := retry.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.backend.Delete(ctx, key)
	})
	if err != nil {
		a.logger.Warn("cold delete failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

func (a *ColdStorageAdapter) Close() error {
	return a.backend.Close()
}
