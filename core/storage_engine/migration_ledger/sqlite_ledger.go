package migrationledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger persists tasks in a single SQLite table. Every state change is
// a conditional UPDATE, so two workers can never both believe they own a task.
// The same database also journals cold deletes that are still owed.
type SQLiteLedger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS migration_tasks (
	key             TEXT PRIMARY KEY,
	state           TEXT    NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	started_at      INTEGER NOT NULL DEFAULT 0,
	completed_at    INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	owner           TEXT    NOT NULL DEFAULT '',
	lease_until     INTEGER NOT NULL DEFAULT 0,
	size_bytes      INTEGER NOT NULL DEFAULT 0,
	checksum        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS migration_tasks_runnable
	ON migration_tasks (state, next_attempt_at, created_at);
CREATE TABLE IF NOT EXISTS cold_deletes (
	key             TEXT PRIMARY KEY,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	hold_until      INTEGER NOT NULL DEFAULT 0,
	deleted_at      INTEGER NOT NULL
);`

const taskColumns = `key, state, attempts, last_error, created_at, started_at, completed_at,
	updated_at, next_attempt_at, owner, lease_until, size_bytes, checksum`

const activeStates = `('pending', 'copied', 'verified')`

// OpenSQLiteLedger opens (or creates) the ledger at path.
// Use ":memory:" for a throwaway ledger.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA synchronous = FULL"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// EnsurePending creates a Pending task for key unless one is active or
// quarantined. A finished (HotDeleted or Cancelled) task is replaced, which
// covers a key re-written after deletion. Reports whether a task was created.
func (l *SQLiteLedger) EnsurePending(ctx context.Context, key string, now time.Time) (bool, error) {
	ts := nanos(now)
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO migration_tasks (key, state, created_at, updated_at)
		VALUES (?, 'pending', ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = 'pending', attempts = 0, last_error = '',
			created_at = excluded.created_at, started_at = 0, completed_at = 0,
			updated_at = excluded.updated_at, next_attempt_at = 0,
			owner = '', lease_until = 0, size_bytes = 0, checksum = ''
		WHERE migration_tasks.state IN ('hot_deleted', 'cancelled')`,
		key, ts, ts)
	if err != nil {
		return false, fmt.Errorf("ensure pending %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRunnable returns active tasks whose backoff has elapsed and whose
// lease is free or expired, oldest first.
func (l *SQLiteLedger) ListRunnable(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	ts := nanos(now)
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM migration_tasks
		WHERE state IN `+activeStates+`
		  AND next_attempt_at <= ?
		  AND (owner = '' OR lease_until <= ?)
		ORDER BY created_at, key
		LIMIT ?`, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim takes an exclusive lease on an active task. An owner may renew its
// own lease; anyone else gets ErrClaimLost until the lease expires.
func (l *SQLiteLedger) Claim(ctx context.Context, key, owner string, now time.Time, lease time.Duration) (Task, error) {
	ts := nanos(now)
	res, err := l.db.ExecContext(ctx, `
		UPDATE migration_tasks SET
			owner = ?, lease_until = ?, updated_at = ?,
			started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END
		WHERE key = ?
		  AND state IN `+activeStates+`
		  AND next_attempt_at <= ?
		  AND (owner = '' OR owner = ? OR lease_until <= ?)`,
		owner, nanos(now.Add(lease)), ts, ts, key, ts, owner, ts)
	if err != nil {
		return Task{}, fmt.Errorf("claim %q: %w", key, err)
	}
	if err := expectOneRow(res, key); err != nil {
		return Task{}, err
	}
	t, _, err := l.Get(ctx, key)
	return t, err
}

// Advance moves a claimed task one step along the success path.
// Reaching HotDeleted completes the task and releases the claim.
func (l *SQLiteLedger) Advance(ctx context.Context, tr Transition) error {
	if !tr.From.CanAdvanceTo(tr.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, tr.From, tr.To)
	}
	ts := nanos(tr.Now)
	done := tr.To == StateHotDeleted
	res, err := l.db.ExecContext(ctx, `
		UPDATE migration_tasks SET
			state = ?, updated_at = ?,
			completed_at = CASE WHEN ? THEN ? ELSE completed_at END,
			owner = CASE WHEN ? THEN '' ELSE owner END,
			lease_until = CASE WHEN ? THEN 0 ELSE lease_until END,
			size_bytes = CASE WHEN ? > 0 THEN ? ELSE size_bytes END,
			checksum = CASE WHEN ? <> '' THEN ? ELSE checksum END
		WHERE key = ? AND state = ? AND owner = ?`,
		string(tr.To), ts,
		done, ts,
		done,
		done,
		tr.SizeBytes, tr.SizeBytes,
		tr.Checksum, tr.Checksum,
		tr.Key, string(tr.From), tr.Owner)
	if err != nil {
		return fmt.Errorf("advance %q %s -> %s: %w", tr.Key, tr.From, tr.To, err)
	}
	return expectOneRow(res, tr.Key)
}

// RecordFailure reverts a claimed task to Pending with one more attempt and a
// backoff before the next try, or quarantines it in Failed once attempts
// reach maxAttempts. The claim is released either way.
func (l *SQLiteLedger) RecordFailure(ctx context.Context, key, owner string, cause error, now time.Time, maxAttempts int, backoff func(attempts int) time.Duration) (Task, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		attempts int
		state    State
	)
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, state FROM migration_tasks WHERE key = ? AND owner = ?`, key, owner,
	).Scan(&attempts, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %q", ErrClaimLost, key)
	}
	if err != nil {
		return Task{}, fmt.Errorf("read attempts %q: %w", key, err)
	}
	if !state.Active() {
		return Task{}, fmt.Errorf("%w: %q is %s", ErrClaimLost, key, state)
	}

	attempts++
	next := StatePending
	var nextAttempt int64
	if attempts >= maxAttempts {
		next = StateFailed
	} else if backoff != nil {
		nextAttempt = nanos(now.Add(backoff(attempts)))
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE migration_tasks SET
			state = ?, attempts = ?, last_error = ?, updated_at = ?,
			next_attempt_at = ?, owner = '', lease_until = 0
		WHERE key = ? AND owner = ?`,
		string(next), attempts, msg, nanos(now), nextAttempt, key, owner); err != nil {
		return Task{}, fmt.Errorf("record failure %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit: %w", err)
	}
	t, _, err := l.Get(ctx, key)
	return t, err
}

// Release gives up a claim without changing the task's state, e.g. on shutdown.
func (l *SQLiteLedger) Release(ctx context.Context, key, owner string, now time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE migration_tasks SET owner = '', lease_until = 0, updated_at = ?
		WHERE key = ? AND owner = ?`, nanos(now), key, owner)
	if err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return nil
}

// Cancel ends any unfinished task for key because the record was deleted.
// It returns the task as it was just before cancellation, so the caller can
// tell whether a worker still held a claim on it, and reports whether a task
// was cancelled.
func (l *SQLiteLedger) Cancel(ctx context.Context, key string, now time.Time) (Task, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prior, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM migration_tasks
		WHERE key = ? AND state IN ('pending', 'copied', 'verified', 'failed')`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("read %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE migration_tasks SET
			state = 'cancelled', owner = '', lease_until = 0,
			updated_at = ?, completed_at = ?
		WHERE key = ?`,
		nanos(now), nanos(now), key); err != nil {
		return Task{}, false, fmt.Errorf("cancel %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, fmt.Errorf("commit: %w", err)
	}
	return prior, true, nil
}

// Reset returns a quarantined task to Pending with a fresh attempt budget.
func (l *SQLiteLedger) Reset(ctx context.Context, key string, now time.Time) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE migration_tasks SET
			state = 'pending', attempts = 0, last_error = '',
			next_attempt_at = 0, updated_at = ?
		WHERE key = ? AND state = 'failed'`, nanos(now), key)
	if err != nil {
		return fmt.Errorf("reset %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	t, found, err := l.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, key)
	}
	return fmt.Errorf("%w: %q is %s", ErrNotQuarantined, key, t.State)
}

// Get returns the task for key, if any.
func (l *SQLiteLedger) Get(ctx context.Context, key string) (Task, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM migration_tasks WHERE key = ?`, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// CountByState summarizes the ledger.
func (l *SQLiteLedger) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM migration_tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	counts := make(map[State]int)
	for rows.Next() {
		var (
			s State
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                                          Task
		created, started, completed, updated, next int64
		lease                                      int64
	)
	if err := r.Scan(&t.Key, &t.State, &t.Attempts, &t.LastError, &created, &started, &completed,
		&updated, &next, &t.Owner, &lease, &t.SizeBytes, &t.Checksum); err != nil {
		return Task{}, err
	}
	t.CreatedAt = fromNanos(created)
	t.StartedAt = fromNanos(started)
	t.CompletedAt = fromNanos(completed)
	t.UpdatedAt = fromNanos(updated)
	t.NextAttemptAt = fromNanos(next)
	t.LeaseUntil = fromNanos(lease)
	return t, nil
}

func expectOneRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %q", ErrClaimLost, key)
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
