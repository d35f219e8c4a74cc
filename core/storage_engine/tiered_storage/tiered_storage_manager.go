package tiered_storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	internaltelemetry "github.com/sushant-115/gojotier/internal/telemetry"
	"github.com/sushant-115/gojotier/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MigrationLedger is the durable task store the engine drives.
// *migrationledger.SQLiteLedger implements it.
type MigrationLedger interface {
	EnsurePending(ctx context.Context, key string, now time.Time) (bool, error)
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]migrationledger.Task, error)
	Claim(ctx context.Context, key, owner string, now time.Time, lease time.Duration) (migrationledger.Task, error)
	Advance(ctx context.Context, tr migrationledger.Transition) error
	RecordFailure(ctx context.Context, key, owner string, cause error, now time.Time, maxAttempts int, backoff func(attempts int) time.Duration) (migrationledger.Task, error)
	Release(ctx context.Context, key, owner string, now time.Time) error
	Cancel(ctx context.Context, key string, now time.Time) (migrationledger.Task, bool, error)
	Reset(ctx context.Context, key string, now time.Time) error
	Get(ctx context.Context, key string) (migrationledger.Task, bool, error)
	CountByState(ctx context.Context) (map[migrationledger.State]int, error)
}

// EngineOptions carries the engine's optional collaborators.
type EngineOptions struct {
	// Fence must be the access layer's fence, so the final hot delete never
	// interleaves with a Put or Delete of the same key.
	Fence   *KeyFence
	Cache   *LocatorCache
	Clock   Clock
	Trigger Trigger
	// Owner identifies this engine's claims in the ledger. Defaults to a random UUID.
	Owner string
}

// CycleResult summarizes one scan and drain cycle.
type CycleResult struct {
	Scanned      int `json:"scanned"`
	TasksCreated int `json:"tasks_created"`
	Processed    int `json:"processed"`
	Migrated     int `json:"migrated"`
	Failed       int `json:"failed"`
	Quarantined  int `json:"quarantined"`
	Cancelled    int `json:"cancelled"`
}

// TieredStorageManager is the tiering engine. It finds hot records past the
// age threshold and moves each one through Copy, Verify and HotDelete,
// checkpointing every step in the ledger. The hot copy is deleted only after
// the cold copy has been read back and matched.
type TieredStorageManager struct {
	hot    HotStore
	cold   ColdStore
	ledger MigrationLedger
	policy TieringPolicy
	copier *common.PayloadCopier
	fence  *KeyFence
	cache  *LocatorCache
	clock  Clock

	trigger Trigger
	owner   string

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.TieringMetrics

	// cycleMu serializes scan cycles from the loop and from RunOnce callers.
	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTieredStorageManager creates a new tiering engine.
func NewTieredStorageManager(
	hot HotStore,
	cold ColdStore,
	ledger MigrationLedger,
	policy TieringPolicy,
	opts EngineOptions,
	logger *zap.Logger,
	tel *telemetry.Telemetry,
) (*TieredStorageManager, error) {
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewTieringMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("tiering metrics: %w", err)
	}
	policy = policy.withDefaults()
	if opts.Fence == nil {
		opts.Fence = NewKeyFence()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	return &TieredStorageManager{
		hot:     hot,
		cold:    cold,
		ledger:  ledger,
		policy:  policy,
		copier:  common.NewPayloadCopier(policy.CopyRateBytesPerSec),
		fence:   opts.Fence,
		cache:   opts.Cache,
		clock:   opts.Clock,
		trigger: opts.Trigger,
		owner:   opts.Owner,
		logger:  logger.Named("tiered_storage_manager").With(zap.String("owner", opts.Owner)),
		tracer:  tel.Tracer,
		metrics: metrics,
	}, nil
}

// Owner is the identity this engine claims tasks under.
func (tsm *TieredStorageManager) Owner() string { return tsm.owner }

// Start runs scan cycles on every trigger tick until Stop.
func (tsm *TieredStorageManager) Start() error {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	if tsm.running {
		return errors.New("tiering engine already running")
	}
	if tsm.trigger == nil {
		tsm.trigger = NewIntervalTrigger(tsm.policy.ScanInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	tsm.cancel = cancel
	tsm.running = true

	tsm.logger.Info("Starting tiering engine",
		zap.Duration("age_threshold", tsm.policy.AgeThreshold),
		zap.Duration("scan_interval", tsm.policy.ScanInterval),
		zap.Int("workers", tsm.policy.Workers),
	)
	tsm.wg.Add(1)
	go tsm.loop(ctx)
	return nil
}

// Stop cancels the running cycle and waits for it. A step already talking
// to a tier is allowed to finish and checkpoint; the task's claim is then
// released so the next run resumes from that checkpoint.
func (tsm *TieredStorageManager) Stop() error {
	tsm.mu.Lock()
	if !tsm.running {
		tsm.mu.Unlock()
		return nil
	}
	tsm.running = false
	tsm.cancel()
	tsm.mu.Unlock()

	tsm.logger.Info("Stopping tiering engine...")
	tsm.wg.Wait()
	tsm.trigger.Stop()
	tsm.logger.Info("Tiering engine stopped.")
	return nil
}

func (tsm *TieredStorageManager) loop(ctx context.Context) {
	defer tsm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tsm.trigger.C():
			res, err := tsm.RunOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				tsm.logger.Error("Tiering cycle failed", zap.Error(err))
				continue
			}
			tsm.logger.Info("Tiering cycle finished",
				zap.Int("scanned", res.Scanned),
				zap.Int("tasks_created", res.TasksCreated),
				zap.Int("migrated", res.Migrated),
				zap.Int("failed", res.Failed),
				zap.Int("quarantined", res.Quarantined),
			)
		}
	}
}

// RunOnce performs one scan and drains every runnable task.
func (tsm *TieredStorageManager) RunOnce(ctx context.Context) (CycleResult, error) {
	tsm.cycleMu.Lock()
	defer tsm.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		tsm.metrics.ScanDurationHistogram.Record(context.WithoutCancel(ctx), time.Since(start).Milliseconds())
	}()

	var res CycleResult
	if err := tsm.scan(ctx, &res); err != nil {
		return res, err
	}
	err := tsm.drain(ctx, &res)
	return res, err
}

// scan pages through hot records older than the age threshold and makes
// sure each has a migration task.
func (tsm *TieredStorageManager) scan(ctx context.Context, res *CycleResult) error {
	ctx, span := tsm.tracer.Start(ctx, "tiering.scan")
	defer span.End()

	now := tsm.clock.Now()
	cutoff := now.Add(-tsm.policy.AgeThreshold)
	cursor := ""
	for {
		keys, next, err := tsm.hot.ListOlderThan(ctx, cutoff, cursor, tsm.policy.ScanPageSize)
		if err != nil {
			span.SetStatus(otelcodes.Error, err.Error())
			return fmt.Errorf("list hot records older than %s: %w", cutoff.Format(time.RFC3339), err)
		}
		for _, key := range keys {
			res.Scanned++
			created, err := tsm.ledger.EnsurePending(ctx, key, now)
			if err != nil {
				span.SetStatus(otelcodes.Error, err.Error())
				return err
			}
			if created {
				res.TasksCreated++
				tsm.metrics.TasksCreatedCounter.Add(ctx, 1)
				tsm.logger.Debug("Migration task created", zap.String("key", key))
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	span.SetAttributes(attribute.Int("scanned", res.Scanned), attribute.Int("tasks_created", res.TasksCreated))
	return nil
}

// drain hands runnable tasks to workers by key hash until none are left.
// A task is attempted at most once per cycle; failures wait out their backoff.
func (tsm *TieredStorageManager) drain(ctx context.Context, res *CycleResult) error {
	seen := make(map[string]struct{})
	workers := tsm.policy.Workers
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := tsm.ledger.ListRunnable(ctx, tsm.clock.Now(), tsm.policy.ScanPageSize)
		if err != nil {
			return err
		}
		partitions := make([][]migrationledger.Task, workers)
		fresh := 0
		for _, t := range tasks {
			if _, ok := seen[t.Key]; ok {
				continue
			}
			seen[t.Key] = struct{}{}
			p := xxhash.Sum64String(t.Key) % uint64(workers)
			partitions[p] = append(partitions[p], t)
			fresh++
		}
		if fresh == 0 {
			return nil
		}

		outcomes := make(chan migrationledger.State, fresh)
		var wg sync.WaitGroup
		for _, part := range partitions {
			if len(part) == 0 {
				continue
			}
			wg.Add(1)
			go func(part []migrationledger.Task) {
				defer wg.Done()
				for _, t := range part {
					if ctx.Err() != nil {
						return
					}
					outcomes <- tsm.migrate(ctx, t)
				}
			}(part)
		}
		wg.Wait()
		close(outcomes)

		for st := range outcomes {
			res.Processed++
			switch st {
			case migrationledger.StateHotDeleted:
				res.Migrated++
			case migrationledger.StatePending:
				res.Failed++
			case migrationledger.StateFailed:
				res.Failed++
				res.Quarantined++
			case migrationledger.StateCancelled:
				res.Cancelled++
			}
		}
	}
}

// migrate drives one task as far as it will go and returns the state it
// ended in, or "" when it did not run the task or lost it midway. Copy and
// Verify run without the key's fence; only HotDelete takes it.
func (tsm *TieredStorageManager) migrate(ctx context.Context, t migrationledger.Task) migrationledger.State {
	key := t.Key
	logger := tsm.logger.With(zap.String("key", key))

	tsm.metrics.ActiveTasksUpDownCounter.Add(ctx, 1)
	defer tsm.metrics.ActiveTasksUpDownCounter.Add(context.WithoutCancel(ctx), -1)

	claimed, err := tsm.ledger.Claim(ctx, key, tsm.owner, tsm.clock.Now(), tsm.policy.Lease)
	if err != nil {
		if errors.Is(err, migrationledger.ErrClaimLost) {
			logger.Debug("Task no longer claimable", zap.Error(err))
		} else {
			logger.Warn("Failed to claim task", zap.Error(err))
		}
		return ""
	}

	m := &migration{task: claimed}
	state := claimed.State
	for state.Active() {
		if ctx.Err() != nil {
			tsm.release(ctx, key, state, logger)
			return ""
		}
		next, err := tsm.step(ctx, m, state)
		if errors.Is(err, migrationledger.ErrClaimLost) {
			// cancelled by a delete, or taken over after the lease ran out
			logger.Info("Migration superseded", zap.String("state", string(state)), zap.Error(err))
			return ""
		}
		if err != nil {
			return tsm.fail(ctx, key, state, err, logger)
		}
		state = next
	}
	return state
}

// migration is the in-memory state carried between the steps of one run.
type migration struct {
	task migrationledger.Task
	// hotRec is the hot record as read by this run, if any.
	hotRec *common.Record
}

// step runs the step that leaves state. Each step runs to completion even if
// ctx is cancelled meanwhile, bounded by StepTimeout, so the ledger always
// reflects what actually happened in the tiers.
func (tsm *TieredStorageManager) step(ctx context.Context, m *migration, state migrationledger.State) (migrationledger.State, error) {
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tsm.policy.StepTimeout)
	defer cancel()

	var name string
	switch state {
	case migrationledger.StatePending:
		name = "copy"
	case migrationledger.StateCopied:
		name = "verify"
	case migrationledger.StateVerified:
		name = "hot_delete"
	default:
		return state, fmt.Errorf("%w: no step leaves %s", migrationledger.ErrIllegalTransition, state)
	}

	stepCtx, span := tsm.tracer.Start(stepCtx, "tiering."+name, trace.WithAttributes(attribute.String("key", m.task.Key)))
	defer span.End()

	var (
		next migrationledger.State
		err  error
	)
	switch state {
	case migrationledger.StatePending:
		next, err = tsm.copyStep(stepCtx, m)
	case migrationledger.StateCopied:
		next, err = tsm.verifyStep(stepCtx, m)
	case migrationledger.StateVerified:
		next, err = tsm.hotDeleteStep(stepCtx, m)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, string(next))
	}
	tsm.metrics.StepOutcomesCounter.Add(stepCtx, 1, metric.WithAttributes(
		attribute.String("step", name),
		attribute.String("outcome", outcome),
	))
	return next, err
}

// readHot loads the current hot record. A missing record means it was
// deleted after the task was created.
func (tsm *TieredStorageManager) readHot(ctx context.Context, m *migration) (bool, error) {
	if m.hotRec != nil {
		return true, nil
	}
	rec, found, err := tsm.hot.Get(ctx, m.task.Key)
	if err != nil {
		return false, fmt.Errorf("read hot copy: %w", err)
	}
	if !found {
		return false, nil
	}
	m.hotRec = &rec
	return true, nil
}

func (tsm *TieredStorageManager) copyStep(ctx context.Context, m *migration) (migrationledger.State, error) {
	found, err := tsm.readHot(ctx, m)
	if err != nil {
		return migrationledger.StatePending, err
	}
	if !found {
		return tsm.cancelGone(ctx, m.task.Key)
	}
	cp, err := tsm.copier.Copy(ctx, *m.hotRec)
	if err != nil {
		return migrationledger.StatePending, fmt.Errorf("throttle copy: %w", err)
	}
	if err := tsm.cold.Put(ctx, cp); err != nil {
		return migrationledger.StatePending, fmt.Errorf("write cold copy: %w", err)
	}
	err = tsm.ledger.Advance(ctx, migrationledger.Transition{
		Key:       m.task.Key,
		Owner:     tsm.owner,
		From:      migrationledger.StatePending,
		To:        migrationledger.StateCopied,
		Now:       tsm.clock.Now(),
		SizeBytes: m.hotRec.SizeBytes,
		Checksum:  m.hotRec.Checksum,
	})
	if err != nil {
		return migrationledger.StatePending, err
	}
	m.task.SizeBytes, m.task.Checksum = m.hotRec.SizeBytes, m.hotRec.Checksum
	return migrationledger.StateCopied, nil
}

func (tsm *TieredStorageManager) verifyStep(ctx context.Context, m *migration) (migrationledger.State, error) {
	found, err := tsm.readHot(ctx, m)
	if err != nil {
		return migrationledger.StateCopied, err
	}
	if !found {
		return tsm.cancelGone(ctx, m.task.Key)
	}
	coldRec, found, err := tsm.cold.Get(ctx, m.task.Key)
	if err != nil {
		return migrationledger.StateCopied, fmt.Errorf("read cold copy: %w", err)
	}
	if !found {
		return migrationledger.StateCopied, fmt.Errorf("%w: cold copy missing", common.ErrVerificationMismatch)
	}
	if err := m.hotRec.Matches(coldRec); err != nil {
		return migrationledger.StateCopied, err
	}
	err = tsm.ledger.Advance(ctx, migrationledger.Transition{
		Key:   m.task.Key,
		Owner: tsm.owner,
		From:  migrationledger.StateCopied,
		To:    migrationledger.StateVerified,
		Now:   tsm.clock.Now(),
	})
	if err != nil {
		return migrationledger.StateCopied, err
	}
	return migrationledger.StateVerified, nil
}

// hotDeleteStep removes the hot copy under the key's fence. Copy and Verify
// ran unfenced, so the task and the hot record are checked again here: a
// Delete may have cancelled the task and a Put may have replaced the record.
func (tsm *TieredStorageManager) hotDeleteStep(ctx context.Context, m *migration) (migrationledger.State, error) {
	unlock, err := tsm.fence.Lock(ctx, m.task.Key)
	if err != nil {
		return migrationledger.StateVerified, fmt.Errorf("lock key: %w", err)
	}
	defer unlock()

	current, found, err := tsm.ledger.Get(ctx, m.task.Key)
	if err != nil {
		return migrationledger.StateVerified, fmt.Errorf("re-read task: %w", err)
	}
	if !found || current.State != migrationledger.StateVerified || current.Owner != tsm.owner {
		return migrationledger.StateVerified, fmt.Errorf("%w: %q is no longer verified under this claim", migrationledger.ErrClaimLost, m.task.Key)
	}
	rec, found, err := tsm.hot.Get(ctx, m.task.Key)
	if err != nil {
		return migrationledger.StateVerified, fmt.Errorf("read hot copy: %w", err)
	}
	if found && rec.Checksum != m.task.Checksum {
		return migrationledger.StateVerified, fmt.Errorf("%w: hot record changed since it was copied", common.ErrVerificationMismatch)
	}
	if err := tsm.hot.Delete(ctx, m.task.Key); err != nil {
		return migrationledger.StateVerified, fmt.Errorf("delete hot copy: %w", err)
	}
	err = tsm.ledger.Advance(ctx, migrationledger.Transition{
		Key:   m.task.Key,
		Owner: tsm.owner,
		From:  migrationledger.StateVerified,
		To:    migrationledger.StateHotDeleted,
		Now:   tsm.clock.Now(),
	})
	if err != nil {
		return migrationledger.StateVerified, err
	}
	tsm.cache.Note(m.task.Key, ColdTier)
	tsm.metrics.BytesMigratedCounter.Add(ctx, m.task.SizeBytes)
	tsm.logger.Info("Record migrated to cold tier",
		zap.String("key", m.task.Key),
		zap.Int64("size_bytes", m.task.SizeBytes),
	)
	return migrationledger.StateHotDeleted, nil
}

func (tsm *TieredStorageManager) cancelGone(ctx context.Context, key string) (migrationledger.State, error) {
	if _, _, err := tsm.ledger.Cancel(ctx, key, tsm.clock.Now()); err != nil {
		return migrationledger.StatePending, err
	}
	tsm.logger.Info("Record vanished from hot tier, migration cancelled", zap.String("key", key))
	return migrationledger.StateCancelled, nil
}

// fail records a failed step. A verification failure from Verified sends
// the task back to Pending like any other failure, so it is copied again.
func (tsm *TieredStorageManager) fail(ctx context.Context, key string, state migrationledger.State, cause error, logger *zap.Logger) migrationledger.State {
	ctx = context.WithoutCancel(ctx)
	t, err := tsm.ledger.RecordFailure(ctx, key, tsm.owner, cause, tsm.clock.Now(), tsm.policy.MaxAttempts, tsm.policy.Backoff)
	if err != nil {
		logger.Error("Failed to record migration failure", zap.NamedError("cause", cause), zap.Error(err))
		return state
	}
	if t.State == migrationledger.StateFailed {
		tsm.metrics.QuarantinedCounter.Add(ctx, 1)
		logger.Error("Migration quarantined, record stays in hot tier",
			zap.Int("attempts", t.Attempts),
			zap.Error(fmt.Errorf("%w: %w", common.ErrQuarantined, cause)),
		)
		return t.State
	}
	logger.Warn("Migration step failed, will retry",
		zap.String("step_from", string(state)),
		zap.Int("attempts", t.Attempts),
		zap.Time("next_attempt_at", t.NextAttemptAt),
		zap.Error(cause),
	)
	return t.State
}

func (tsm *TieredStorageManager) release(ctx context.Context, key string, state migrationledger.State, logger *zap.Logger) {
	if err := tsm.ledger.Release(context.WithoutCancel(ctx), key, tsm.owner, tsm.clock.Now()); err != nil {
		logger.Warn("Failed to release task on shutdown", zap.Error(err))
		return
	}
	logger.Info("Migration checkpointed for shutdown", zap.String("state", string(state)))
}

// CancelMigration ends any unfinished task for key. The access layer calls
// it from Delete while holding the key's fence. When a run held a live claim
// on the task, it may still be writing the cold copy; the returned time is
// when that claim's lease runs out, and zero otherwise.
func (tsm *TieredStorageManager) CancelMigration(ctx context.Context, key string) (time.Time, error) {
	now := tsm.clock.Now()
	prior, cancelled, err := tsm.ledger.Cancel(ctx, key, now)
	if err != nil {
		return time.Time{}, err
	}
	if !cancelled {
		return time.Time{}, nil
	}
	tsm.logger.Info("Migration cancelled by delete", zap.String("key", key), zap.String("state", string(prior.State)))
	if prior.Owner != "" && prior.LeaseUntil.After(now) {
		return prior.LeaseUntil, nil
	}
	return time.Time{}, nil
}

// Task returns the migration task for key.
func (tsm *TieredStorageManager) Task(ctx context.Context, key string) (migrationledger.Task, bool, error) {
	return tsm.ledger.Get(ctx, key)
}

// ResetQuarantined gives a quarantined task a fresh set of attempts.
func (tsm *TieredStorageManager) ResetQuarantined(ctx context.Context, key string) error {
	if err := tsm.ledger.Reset(ctx, key, tsm.clock.Now()); err != nil {
		return err
	}
	tsm.logger.Info("Quarantined migration reset", zap.String("key", key))
	return nil
}

// Stats counts tasks by state.
func (tsm *TieredStorageManager) Stats(ctx context.Context) (map[migrationledger.State]int, error) {
	return tsm.ledger.CountByState(ctx)
}
