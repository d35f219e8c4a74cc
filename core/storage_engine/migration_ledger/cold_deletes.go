package migrationledger

import (
	"context"
	"fmt"
	"time"
)

// ColdDelete is a deleted record whose cold copy may still exist. Until it
// is removed from the journal, the key must never be read from cold.
type ColdDelete struct {
	Key           string
	Attempts      int
	NextAttemptAt time.Time
	// HoldUntil is when a migration run interrupted by the delete has
	// certainly stopped writing to cold. The entry is kept at least that long.
	HoldUntil time.Time
	DeletedAt time.Time
}

// SaveColdDelete inserts or replaces the journal entry for d.Key.
func (l *SQLiteLedger) SaveColdDelete(ctx context.Context, d ColdDelete) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cold_deletes (key, attempts, next_attempt_at, hold_until, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			attempts = excluded.attempts,
			next_attempt_at = excluded.next_attempt_at,
			hold_until = excluded.hold_until,
			deleted_at = excluded.deleted_at`,
		d.Key, d.Attempts, nanos(d.NextAttemptAt), nanos(d.HoldUntil), nanos(d.DeletedAt))
	if err != nil {
		return fmt.Errorf("save cold delete %q: %w", d.Key, err)
	}
	return nil
}

// RemoveColdDelete drops key from the journal. Removing an absent key succeeds.
func (l *SQLiteLedger) RemoveColdDelete(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM cold_deletes WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove cold delete %q: %w", key, err)
	}
	return nil
}

// ListColdDeletes returns every journaled cold delete.
func (l *SQLiteLedger) ListColdDeletes(ctx context.Context) ([]ColdDelete, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT key, attempts, next_attempt_at, hold_until, deleted_at
		FROM cold_deletes ORDER BY deleted_at, key`)
	if err != nil {
		return nil, fmt.Errorf("list cold deletes: %w", err)
	}
	defer rows.Close()

	var out []ColdDelete
	for rows.Next() {
		var (
			d                   ColdDelete
			next, hold, deleted int64
		)
		if err := rows.Scan(&d.Key, &d.Attempts, &next, &hold, &deleted); err != nil {
			return nil, err
		}
		d.NextAttemptAt = fromNanos(next)
		d.HoldUntil = fromNanos(hold)
		d.DeletedAt = fromNanos(deleted)
		out = append(out, d)
	}
	return out, rows.Err()
}
