package tiered_storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojotier/core/storage_engine/common"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	internaltelemetry "github.com/sushant-115/gojotier/internal/telemetry"
	"github.com/sushant-115/gojotier/internal/retry"
	"github.com/sushant-115/gojotier/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HotStore is the hot tier as seen by the access layer and the engine.
type HotStore interface {
	Get(ctx context.Context, key string) (common.Record, bool, error)
	Put(ctx context.Context, rec common.Record) error
	Delete(ctx context.Context, key string) error
	ListOlderThan(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]string, string, error)
}

// ColdStore is the cold tier. Delete of an absent key succeeds.
type ColdStore interface {
	Get(ctx context.Context, key string) (common.Record, bool, error)
	Put(ctx context.Context, rec common.Record) error
	Delete(ctx context.Context, key string) error
}

// MigrationCanceller stops any unfinished migration of key. It is called
// with the key's fence held. The returned time bounds how long a run that
// was already in flight may still write the key's cold copy; it is zero
// when no run was in flight.
type MigrationCanceller interface {
	CancelMigration(ctx context.Context, key string) (time.Time, error)
}

// ColdDeleteJournal persists cold deletes that are still owed, so deleted
// keys stay unreadable across restarts until their cold copies are gone.
// *migrationledger.SQLiteLedger implements it.
type ColdDeleteJournal interface {
	SaveColdDelete(ctx context.Context, d migrationledger.ColdDelete) error
	RemoveColdDelete(ctx context.Context, key string) error
	ListColdDeletes(ctx context.Context) ([]migrationledger.ColdDelete, error)
}

// AccessOptions configures an AccessLayer. Zero values pick defaults.
type AccessOptions struct {
	Fence     *KeyFence
	Cache     *LocatorCache
	Canceller MigrationCanceller
	// Journal makes pending cold deletes durable. Without one they are
	// tracked in memory only.
	Journal ColdDeleteJournal
	Clock   Clock
	// MaxPayloadBytes rejects larger Puts. Zero means 1 MiB.
	MaxPayloadBytes int64
	// PurgeInterval is how often failed cold deletes are retried.
	PurgeInterval time.Duration
	// PurgeBackoff spaces out retries of one key's cold delete.
	PurgeBackoff retry.Policy
}

// tombstone marks a deleted key whose cold copy may still exist.
type tombstone struct {
	attempts  int
	nextAt    time.Time
	holdUntil time.Time
	deletedAt time.Time
}

// AccessLayer is the single read/write surface over both tiers. It never
// consults the migration ledger: where a record lives is discovered by
// asking the tiers.
type AccessLayer struct {
	hot       HotStore
	cold      ColdStore
	fence     *KeyFence
	cache     *LocatorCache
	canceller MigrationCanceller
	journal   ColdDeleteJournal
	clock     Clock
	opts      AccessOptions

	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *internaltelemetry.AccessMetrics
	serviceName string

	mu         sync.Mutex
	tombstones map[string]*tombstone

	cancelPurge context.CancelFunc
	wg          sync.WaitGroup
}

// NewAccessLayer wires the access layer over the two tiers and reloads any
// cold deletes left pending in the journal.
func NewAccessLayer(hot HotStore, cold ColdStore, opts AccessOptions, logger *zap.Logger, tel *telemetry.Telemetry) (*AccessLayer, error) {
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewAccessMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("access metrics: %w", err)
	}
	if opts.Fence == nil {
		opts.Fence = NewKeyFence()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = 5 * time.Second
	}
	if opts.PurgeBackoff.InitialBackoff <= 0 {
		opts.PurgeBackoff = retry.Policy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Minute, Multiplier: 2}
	}
	a := &AccessLayer{
		hot:         hot,
		cold:        cold,
		fence:       opts.Fence,
		cache:       opts.Cache,
		canceller:   opts.Canceller,
		journal:     opts.Journal,
		clock:       opts.Clock,
		opts:        opts,
		logger:      logger.Named("access_layer"),
		tracer:      tel.Tracer,
		metrics:     metrics,
		serviceName: "records",
		tombstones:  make(map[string]*tombstone),
	}
	if a.journal != nil {
		pending, err := a.journal.ListColdDeletes(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load pending cold deletes: %w", err)
		}
		for _, d := range pending {
			a.tombstones[d.Key] = &tombstone{
				attempts:  d.Attempts,
				nextAt:    d.NextAttemptAt,
				holdUntil: d.HoldUntil,
				deletedAt: d.DeletedAt,
			}
		}
		if len(pending) > 0 {
			a.logger.Info("Reloaded pending cold deletes", zap.Int("count", len(pending)))
		}
	}
	return a, nil
}

// SetCanceller attaches the engine after construction, since the engine and
// the access layer share a fence and are built in either order.
func (a *AccessLayer) SetCanceller(c MigrationCanceller) {
	a.canceller = c
}

// Get returns the payload for key from whichever tier holds it.
func (a *AccessLayer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec, _, found, err := a.Lookup(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	return rec.Payload, true, nil
}

// Lookup is Get that also reports the full record and the tier that served it.
// A hot miss falls through to cold; an error is returned only when no tier
// could answer.
func (a *AccessLayer) Lookup(ctx context.Context, key string) (rec common.Record, tier StorageTierType, found bool, err error) {
	if err := common.ValidateKey(key); err != nil {
		return common.Record{}, NoTier, false, err
	}
	ctx, span, start := a.StartMetricsAndTrace(ctx, "Get")
	defer func() {
		span.SetAttributes(attribute.String("tier", tier.String()))
		a.metrics.ReadsServedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier.String())))
		a.EndMetricsAndTrace(ctx, span, start, "Get", err)
	}()

	// a deleted key whose cold copy is still being purged must not be read back from cold
	deleted := a.tombstoned(key)

	// an error from a hinted cold read is final for this lookup; a miss is not,
	// since the record may have finished migrating since
	var hintedColdErr error
	if hint, ok := a.cache.Hint(key); ok && hint == ColdTier && !deleted {
		rec, found, hintedColdErr = a.cold.Get(ctx, key)
		if hintedColdErr == nil && found {
			return rec, ColdTier, true, nil
		}
		a.cache.Forget(key)
	}

	rec, found, hotErr := a.hot.Get(ctx, key)
	if hotErr == nil && found {
		a.cache.Note(key, HotTier)
		return rec, HotTier, true, nil
	}
	if deleted {
		return common.Record{}, NoTier, false, hotErr
	}
	if hotErr != nil {
		a.logger.Warn("Hot lookup failed, trying cold tier", zap.String("key", key), zap.Error(hotErr))
	}

	coldErr := hintedColdErr
	if coldErr == nil {
		rec, found, coldErr = a.cold.Get(ctx, key)
	}
	switch {
	case coldErr == nil && found:
		a.cache.Note(key, ColdTier)
		return rec, ColdTier, true, nil
	case hotErr != nil && coldErr != nil:
		return common.Record{}, NoTier, false, errors.Join(hotErr, coldErr)
	case hotErr != nil:
		return common.Record{}, NoTier, false, hotErr
	case coldErr != nil:
		return common.Record{}, NoTier, false, coldErr
	}
	return common.Record{}, NoTier, false, nil
}

// Put stores a new record in the hot tier. Cold storage is only ever written
// by migration, so a hot failure is returned as a *common.WriteError.
func (a *AccessLayer) Put(ctx context.Context, key string, payload []byte) (err error) {
	if err := common.ValidateKey(key); err != nil {
		return err
	}
	if int64(len(payload)) > a.opts.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", common.ErrRecordTooLarge, len(payload), a.opts.MaxPayloadBytes)
	}
	ctx, span, start := a.StartMetricsAndTrace(ctx, "Put")
	defer func() { a.EndMetricsAndTrace(ctx, span, start, "Put", err) }()

	unlock, err := a.fence.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rec := common.NewRecord(key, payload, a.clock.Now())
	if err := a.hot.Put(ctx, rec); err != nil {
		return &common.WriteError{Key: key, Err: err}
	}
	a.clearTombstone(ctx, key)
	a.cache.Note(key, HotTier)
	return nil
}

// Delete removes key from both tiers and cancels any migration in flight.
// It succeeds once the hot copy is gone and the cold copy is either gone or
// durably scheduled for deletion; until then reads of the key report
// not-found. It never waits for a migration run to finish.
func (a *AccessLayer) Delete(ctx context.Context, key string) (err error) {
	if err := common.ValidateKey(key); err != nil {
		return err
	}
	ctx, span, start := a.StartMetricsAndTrace(ctx, "Delete")
	defer func() { a.EndMetricsAndTrace(ctx, span, start, "Delete", err) }()

	unlock, err := a.fence.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	var holdUntil time.Time
	if a.canceller != nil {
		holdUntil, err = a.canceller.CancelMigration(ctx, key)
		if err != nil {
			return fmt.Errorf("cancel migration of %q: %w", key, err)
		}
	}
	a.cache.Forget(key)
	if err := a.hot.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %q from hot tier: %w", key, err)
	}

	now := a.clock.Now()
	if prev, ok := a.tombstone(key); ok && prev.holdUntil.After(holdUntil) {
		holdUntil = prev.holdUntil
	}
	t := tombstone{holdUntil: holdUntil, deletedAt: now}
	switch err := a.cold.Delete(ctx, key); {
	case err != nil:
		a.logger.Warn("Cold delete failed, scheduling background retry", zap.String("key", key), zap.Error(err))
		t.attempts = 1
		t.nextAt = now.Add(a.opts.PurgeBackoff.Backoff(1))
	case holdUntil.After(now):
		// the interrupted run may still land a cold copy; delete again once it cannot
		a.logger.Info("Delete interrupted a migration, cold copy will be purged again", zap.String("key", key), zap.Time("hold_until", holdUntil))
		t.nextAt = holdUntil
	default:
		a.clearTombstone(ctx, key)
		return nil
	}
	if err := a.putTombstone(ctx, key, t); err != nil {
		return fmt.Errorf("schedule cold delete of %q: %w", key, err)
	}
	return nil
}

func (a *AccessLayer) tombstoned(key string) bool {
	_, ok := a.tombstone(key)
	return ok
}

func (a *AccessLayer) tombstone(key string) (tombstone, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tombstones[key]
	if !ok {
		return tombstone{}, false
	}
	return *t, true
}

// putTombstone records t in memory first, so reads are covered even if the
// journal write fails. Callers hold key's fence.
func (a *AccessLayer) putTombstone(ctx context.Context, key string, t tombstone) error {
	a.mu.Lock()
	a.tombstones[key] = &t
	a.mu.Unlock()
	if a.journal == nil {
		return nil
	}
	return a.journal.SaveColdDelete(ctx, migrationledger.ColdDelete{
		Key:           key,
		Attempts:      t.attempts,
		NextAttemptAt: t.nextAt,
		HoldUntil:     t.holdUntil,
		DeletedAt:     t.deletedAt,
	})
}

// dropTombstone forgets key's tombstone, if any. Callers hold key's fence.
func (a *AccessLayer) dropTombstone(ctx context.Context, key string) error {
	a.mu.Lock()
	_, ok := a.tombstones[key]
	delete(a.tombstones, key)
	a.mu.Unlock()
	if !ok || a.journal == nil {
		return nil
	}
	return a.journal.RemoveColdDelete(ctx, key)
}

// clearTombstone forgets key's tombstone unless its hold has not run out:
// an interrupted migration may still write the old payload to cold, and after
// a Put the hot copy shadows it until the purger removes it.
func (a *AccessLayer) clearTombstone(ctx context.Context, key string) {
	t, ok := a.tombstone(key)
	if !ok || t.holdUntil.After(a.clock.Now()) {
		return
	}
	if err := a.dropTombstone(ctx, key); err != nil {
		a.logger.Warn("Failed to drop journaled cold delete", zap.String("key", key), zap.Error(err))
	}
}

// PendingColdDeletes is the number of keys whose cold copy still awaits deletion.
func (a *AccessLayer) PendingColdDeletes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tombstones)
}

// PurgeTombstones retries every due cold delete once. Returns how many keys
// were settled, i.e. their cold copy is gone for good and the tombstone dropped.
func (a *AccessLayer) PurgeTombstones(ctx context.Context) int {
	now := a.clock.Now()
	a.mu.Lock()
	due := make([]string, 0, len(a.tombstones))
	for key, t := range a.tombstones {
		if !t.nextAt.After(now) {
			due = append(due, key)
		}
	}
	a.mu.Unlock()

	purged := 0
	for _, key := range due {
		if ctx.Err() != nil {
			break
		}
		if a.purgeOne(ctx, key) {
			purged++
		}
	}
	return purged
}

func (a *AccessLayer) purgeOne(ctx context.Context, key string) bool {
	unlock, err := a.fence.Lock(ctx, key)
	if err != nil {
		return false
	}
	defer unlock()

	t, ok := a.tombstone(key)
	// a Put since the delete cleared the tombstone and owns the key now
	if !ok {
		return false
	}

	a.metrics.ColdPurgeRetriesCounter.Add(ctx, 1)
	now := a.clock.Now()
	if err := a.cold.Delete(ctx, key); err != nil {
		t.attempts++
		t.nextAt = now.Add(a.opts.PurgeBackoff.Backoff(t.attempts))
		a.logger.Warn("Cold delete retry failed", zap.String("key", key), zap.Int("attempts", t.attempts), zap.Error(err))
		if err := a.putTombstone(ctx, key, t); err != nil {
			a.logger.Warn("Failed to journal cold delete retry", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if t.holdUntil.After(now) {
		t.nextAt = t.holdUntil
		if err := a.putTombstone(ctx, key, t); err != nil {
			a.logger.Warn("Failed to journal cold delete retry", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := a.dropTombstone(ctx, key); err != nil {
		a.logger.Warn("Failed to drop journaled cold delete", zap.String("key", key), zap.Error(err))
	}
	a.logger.Info("Cold copy purged", zap.String("key", key), zap.Int("attempts", t.attempts+1))
	return true
}

// Start runs the background cold delete purger until Close.
func (a *AccessLayer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelPurge = cancel
	a.wg.Add(1)
	go a.purgeLoop(ctx)
}

// Close stops the purger. Cold deletes still pending are logged; with a
// journal they are picked up again by the next NewAccessLayer.
func (a *AccessLayer) Close() error {
	if a.cancelPurge != nil {
		a.cancelPurge()
	}
	a.wg.Wait()
	if n := a.PendingColdDeletes(); n > 0 {
		a.logger.Warn("Closing with cold deletes still pending", zap.Int("count", n))
	}
	return nil
}

func (a *AccessLayer) purgeLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.PurgeTombstones(ctx)
		}
	}
}

// StartMetricsAndTrace begins the telemetry recording for a record operation.
func (a *AccessLayer) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("service", a.serviceName),
		attribute.String("op", op),
	)
	a.metrics.ActiveRequestsUpDownCounter.Add(ctx, 1, attrs)
	a.metrics.RequestsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := a.tracer.Start(ctx, "records."+op, trace.WithAttributes(
		attribute.String("service", a.serviceName),
		attribute.String("op", op),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for a record operation.
func (a *AccessLayer) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Milliseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	a.metrics.ActiveRequestsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("service", a.serviceName),
		attribute.String("op", op),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("service", a.serviceName),
		attribute.String("op", op),
		attribute.String("code", statusCode.String()),
	)
	a.metrics.RequestsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
	a.metrics.RequestLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
}
