package tiered_storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	coldstorage "github.com/sushant-115/gojotier/core/storage_engine/cold_storage"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	hotstorage "github.com/sushant-115/gojotier/core/storage_engine/hot_storage"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	"github.com/sushant-115/gojotier/internal/retry"
	"go.uber.org/zap"
)

// --- Test Helpers ---

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var errInjected = fmt.Errorf("%w: injected fault", common.ErrTransientIO)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// opLog records tier operations in the order they happened.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op+" "+key)
}

func (l *opLog) indexOf(op, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.ops {
		if o == op+" "+key {
			return i
		}
	}
	return -1
}

func (l *opLog) lastIndexOf(op, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.ops) - 1; i >= 0; i-- {
		if l.ops[i] == op+" "+key {
			return i
		}
	}
	return -1
}

func (l *opLog) count(op, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, o := range l.ops {
		if o == op+" "+key {
			n++
		}
	}
	return n
}

type testHot struct {
	HotStore
	log  *opLog
	gets atomic.Int32

	mu        sync.Mutex
	getErr    error
	putErr    error
	deleteErr error
}

func (h *testHot) fault(fn func(h *testHot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *testHot) Get(ctx context.Context, key string) (common.Record, bool, error) {
	h.gets.Add(1)
	h.log.add("hot.get", key)
	h.mu.Lock()
	err := h.getErr
	h.mu.Unlock()
	if err != nil {
		return common.Record{}, false, err
	}
	return h.HotStore.Get(ctx, key)
}

func (h *testHot) Put(ctx context.Context, rec common.Record) error {
	h.log.add("hot.put", rec.Key)
	h.mu.Lock()
	err := h.putErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.HotStore.Put(ctx, rec)
}

func (h *testHot) Delete(ctx context.Context, key string) error {
	h.log.add("hot.delete", key)
	h.mu.Lock()
	err := h.deleteErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.HotStore.Delete(ctx, key)
}

type testCold struct {
	ColdStore
	log *opLog

	mu        sync.Mutex
	getErr    error
	putErr    error
	deleteErr error
	// corrupt flips a payload byte on the way into cold storage.
	corrupt bool
	// beforePut runs inside Put before the write lands.
	beforePut func(key string)
}

func (c *testCold) fault(fn func(c *testCold)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *testCold) Get(ctx context.Context, key string) (common.Record, bool, error) {
	c.log.add("cold.get", key)
	c.mu.Lock()
	err := c.getErr
	c.mu.Unlock()
	if err != nil {
		return common.Record{}, false, err
	}
	return c.ColdStore.Get(ctx, key)
}

func (c *testCold) Put(ctx context.Context, rec common.Record) error {
	c.mu.Lock()
	err, corrupt, hook := c.putErr, c.corrupt, c.beforePut
	c.mu.Unlock()
	if hook != nil {
		hook(rec.Key)
	}
	c.log.add("cold.put", rec.Key)
	if err != nil {
		return err
	}
	if corrupt && len(rec.Payload) > 0 {
		bad := append([]byte(nil), rec.Payload...)
		bad[0] ^= 0xff
		rec = common.NewRecord(rec.Key, bad, rec.CreatedAt)
	}
	return c.ColdStore.Put(ctx, rec)
}

func (c *testCold) Delete(ctx context.Context, key string) error {
	c.log.add("cold.delete", key)
	c.mu.Lock()
	err := c.deleteErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.ColdStore.Delete(ctx, key)
}

type fixture struct {
	clock  *fakeClock
	log    *opLog
	hot    *testHot
	cold   *testCold
	ledger *migrationledger.SQLiteLedger
	fence  *KeyFence
	cache  *LocatorCache
	access *AccessLayer
	engine *TieredStorageManager
}

func testPolicy() TieringPolicy {
	return TieringPolicy{
		AgeThreshold: 90 * 24 * time.Hour,
		ScanInterval: time.Hour,
		ScanPageSize: 2,
		Workers:      2,
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffMax:   10 * time.Minute,
		Lease:        time.Minute,
		StepTimeout:  5 * time.Second,
	}
}

func newFixture(t *testing.T, policy TieringPolicy) *fixture {
	t.Helper()
	logger := zap.NewNop()
	adapterPolicy := retry.Policy{MaxAttempts: 1, PerCallTimeout: 5 * time.Second}

	hb, err := hotstorage.OpenBadgerBackend(hotstorage.BadgerConfig{InMemory: true}, logger)
	require.NoError(t, err)
	hotAdapter := hotstorage.NewHotStorageAdapter(hb, adapterPolicy, logger)
	t.Cleanup(func() { hotAdapter.Close() })

	cb, err := coldstorage.NewFSBackend(t.TempDir())
	require.NoError(t, err)
	coldAdapter := coldstorage.NewColdStorageAdapter(cb, adapterPolicy, logger)
	t.Cleanup(func() { coldAdapter.Close() })

	ledger, err := migrationledger.OpenSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	f := &fixture{
		clock:  &fakeClock{now: epoch},
		log:    &opLog{},
		ledger: ledger,
		fence:  NewKeyFence(),
		cache:  NewLocatorCache(128, time.Hour),
	}
	f.hot = &testHot{HotStore: hotAdapter, log: f.log}
	f.cold = &testCold{ColdStore: coldAdapter, log: f.log}

	f.engine = f.newEngine(t, policy, "engine-a")
	f.access, err = NewAccessLayer(f.hot, f.cold, AccessOptions{
		Fence:     f.fence,
		Cache:     f.cache,
		Canceller: f.engine,
		Journal:   ledger,
		Clock:     f.clock,
		PurgeBackoff: retry.Policy{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
		},
	}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.access.Close() })
	return f
}

func (f *fixture) newEngine(t *testing.T, policy TieringPolicy, owner string) *TieredStorageManager {
	t.Helper()
	e, err := NewTieredStorageManager(f.hot, f.cold, f.ledger, policy, EngineOptions{
		Fence:   f.fence,
		Cache:   f.cache,
		Clock:   f.clock,
		Trigger: NewManualTrigger(),
		Owner:   owner,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	return e
}

func (f *fixture) taskState(t *testing.T, key string) migrationledger.Task {
	t.Helper()
	task, found, err := f.engine.Task(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found, "no task for %q", key)
	return task
}

func (f *fixture) coldHas(t *testing.T, key string) bool {
	t.Helper()
	_, found, err := f.cold.ColdStore.Get(context.Background(), key)
	require.NoError(t, err)
	return found
}

func (f *fixture) hotHas(t *testing.T, key string) bool {
	t.Helper()
	_, found, err := f.hot.HotStore.Get(context.Background(), key)
	require.NoError(t, err)
	return found
}

func blob(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
