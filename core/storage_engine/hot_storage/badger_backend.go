package hotstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	"go.uber.org/zap"
)

// BadgerConfig configures the embedded Badger hot backend.
type BadgerConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

const (
	badgerRecordPrefix = "r/"
	badgerIndexPrefix  = "i/"
)

// BadgerBackend is an embedded LSM hot tier. Records live under r/{key} as
// envelopes; i/{created ms, zero padded}/{key} orders them by age so that
// ListOlderThan is a prefix scan.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadgerBackend opens (or creates) the database described by cfg.
func OpenBadgerBackend(cfg BadgerConfig, logger *zap.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(newBadgerLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Dir, err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Kind() string { return "badger" }

func badgerRecordKey(key string) []byte { return []byte(badgerRecordPrefix + key) }

func badgerIndexKey(createdAt time.Time, key string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", badgerIndexPrefix, createdAt.UnixMilli(), key))
}

func (b *BadgerBackend) Get(ctx context.Context, key string) (common.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return common.Record{}, false, err
	}
	var (
		rec   common.Record
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		r, ok, err := b.load(txn, key)
		rec, found = r, ok
		return err
	})
	if err != nil {
		return common.Record{}, false, err
	}
	return rec, found, nil
}

func (b *BadgerBackend) load(txn *badger.Txn, key string) (common.Record, bool, error) {
	item, err := txn.Get(badgerRecordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return common.Record{}, false, nil
	}
	if err != nil {
		return common.Record{}, false, fmt.Errorf("badger get %q: %w", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return common.Record{}, false, fmt.Errorf("badger read %q: %w", key, err)
	}
	rec, err := common.DecodeEnvelope(key, raw)
	if err != nil {
		return common.Record{}, false, err
	}
	return rec, true, nil
}

func (b *BadgerBackend) Put(ctx context.Context, rec common.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		// An overwrite with a different createdAt must not leave a stale index entry.
		if old, ok, err := b.load(txn, rec.Key); err == nil && ok {
			if err := txn.Delete(badgerIndexKey(old.CreatedAt, rec.Key)); err != nil {
				return err
			}
		}
		if err := txn.Set(badgerRecordKey(rec.Key), common.EncodeEnvelope(rec)); err != nil {
			return fmt.Errorf("badger set %q: %w", rec.Key, err)
		}
		return txn.Set(badgerIndexKey(rec.CreatedAt, rec.Key), nil)
	})
}

func (b *BadgerBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		old, ok, err := b.load(txn, key)
		if err != nil && !errors.Is(err, common.ErrCorruptObject) {
			return err
		}
		if ok {
			if err := txn.Delete(badgerIndexKey(old.CreatedAt, key)); err != nil {
				return err
			}
		}
		return txn.Delete(badgerRecordKey(key))
	})
}

// ListOlderThan walks the age index. The cursor is the last index key returned.
func (b *BadgerBackend) ListOlderThan(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	cutoffMs := cutoff.UnixMilli()
	var (
		keys []string
		next string
	)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerIndexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(badgerIndexPrefix)
		if cursor != "" {
			start = []byte(cursor)
		}
		for it.Seek(start); it.ValidForPrefix(opts.Prefix); it.Next() {
			idx := it.Item().KeyCopy(nil)
			if cursor != "" && bytes.Equal(idx, []byte(cursor)) {
				continue
			}
			ms, key, err := parseBadgerIndexKey(idx)
			if err != nil {
				return err
			}
			if ms >= cutoffMs {
				break
			}
			if len(keys) == limit {
				// One more eligible entry exists, so keep the cursor.
				return nil
			}
			keys = append(keys, key)
			next = string(idx)
		}
		next = ""
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return keys, next, nil
}

func parseBadgerIndexKey(idx []byte) (int64, string, error) {
	rest := strings.TrimPrefix(string(idx), badgerIndexPrefix)
	msStr, key, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", fmt.Errorf("%w: index entry %q", common.ErrCorruptObject, idx)
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: index entry %q", common.ErrCorruptObject, idx)
	}
	return ms, key, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// badgerLogger routes Badger's internal logging into zap.
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func newBadgerLogger(logger *zap.Logger) *badgerLogger {
	return &badgerLogger{sugar: logger.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.sugar.Errorf(strings.TrimSpace(f), v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.sugar.Warnf(strings.TrimSpace(f), v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.sugar.Debugf(strings.TrimSpace(f), v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.sugar.Debugf(strings.TrimSpace(f), v...) }
