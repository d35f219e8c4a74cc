// Command gojotier_loadgen drives an in-process tiered store through a full
// write, migrate, read cycle and reports throughput. Every record is read back
// and compared after it has moved to the cold tier.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	coldstorage "github.com/sushant-115/gojotier/core/storage_engine/cold_storage"
	hotstorage "github.com/sushant-115/gojotier/core/storage_engine/hot_storage"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	"github.com/sushant-115/gojotier/core/storage_engine/tiered_storage"
	"github.com/sushant-115/gojotier/internal/retry"
	"github.com/sushant-115/gojotier/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	records     = flag.Int("records", 2000, "Number of records to write")
	payloadSize = flag.Int("payload_bytes", 4096, "Payload size per record")
	writers     = flag.Int("writers", 20, "Concurrent writers")
	readers     = flag.Int("readers", 10, "Concurrent readers")
	workers     = flag.Int("migration_workers", 4, "Tiering engine workers")
	compress    = flag.Bool("zstd", true, "Compress cold objects")
	dataDir     = flag.String("data_dir", "", "Directory for cold objects and the ledger (temporary when empty)")
	logLevel    = flag.String("log_level", "error", "Log level")
)

// shiftedClock reports a time far enough ahead that every record written now
// is already past the age threshold.
type shiftedClock struct{ by time.Duration }

func (c shiftedClock) Now() time.Time { return time.Now().Add(c.by) }

type phase struct {
	name    string
	ops     int
	bytes   int64
	elapsed time.Duration

	mu      sync.Mutex
	latency []time.Duration
}

func (p *phase) observe(d time.Duration) {
	p.mu.Lock()
	p.latency = append(p.latency, d)
	p.mu.Unlock()
}

func (p *phase) report() {
	sort.Slice(p.latency, func(i, j int) bool { return p.latency[i] < p.latency[j] })
	pct := func(q float64) time.Duration {
		if len(p.latency) == 0 {
			return 0
		}
		return p.latency[int(q*float64(len(p.latency)-1))]
	}
	rate := float64(p.ops) / p.elapsed.Seconds()
	fmt.Printf("%-8s %s ops in %s (%s ops/s, %s/s)  p50=%s p99=%s\n",
		p.name,
		humanize.Comma(int64(p.ops)),
		p.elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(rate, 1),
		humanize.Bytes(uint64(float64(p.bytes)/p.elapsed.Seconds())),
		pct(0.5), pct(0.99),
	)
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		return err
	}
	defer zlogger.Sync()

	dir := *dataDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "gojotier-loadgen-"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}

	policy := retry.DefaultPolicy()
	hb, err := hotstorage.OpenBadgerBackend(hotstorage.BadgerConfig{InMemory: true}, zlogger)
	if err != nil {
		return err
	}
	hot := hotstorage.NewHotStorageAdapter(hb, policy, zlogger)
	defer hot.Close()

	var cb coldstorage.Backend
	if cb, err = coldstorage.NewFSBackend(dir + "/cold"); err != nil {
		return err
	}
	if *compress {
		if cb, err = coldstorage.NewCompressedBackend(cb); err != nil {
			return err
		}
	}
	cold := coldstorage.NewColdStorageAdapter(cb, policy, zlogger)
	defer cold.Close()

	ledger, err := migrationledger.OpenSQLiteLedger(dir + "/ledger.db")
	if err != nil {
		return err
	}
	defer ledger.Close()

	tiering := tiered_storage.DefaultTieringPolicy()
	tiering.Workers = *workers
	fence := tiered_storage.NewKeyFence()
	cache := tiered_storage.NewLocatorCache(*records, time.Hour)
	engine, err := tiered_storage.NewTieredStorageManager(hot, cold, ledger, tiering, tiered_storage.EngineOptions{
		Fence: fence,
		Cache: cache,
		Clock: shiftedClock{by: tiering.AgeThreshold + time.Hour},
	}, zlogger, nil)
	if err != nil {
		return err
	}
	access, err := tiered_storage.NewAccessLayer(hot, cold, tiered_storage.AccessOptions{
		Fence:           fence,
		Cache:           cache,
		Canceller:       engine,
		Journal:         ledger,
		MaxPayloadBytes: int64(*payloadSize),
	}, zlogger, nil)
	if err != nil {
		return err
	}
	defer access.Close()

	ctx := context.Background()
	payload := func(i int) []byte {
		return bytes.Repeat([]byte(strconv.Itoa(i%10)), *payloadSize)
	}
	key := func(i int) string { return "load/" + strconv.Itoa(i) }

	write := &phase{name: "put", ops: *records, bytes: int64(*records * *payloadSize)}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*writers)
	for i := 0; i < *records; i++ {
		g.Go(func() error {
			t := time.Now()
			err := access.Put(gctx, key(i), payload(i))
			write.observe(time.Since(t))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	write.elapsed = time.Since(start)
	write.report()

	start = time.Now()
	res, err := engine.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("tiering: %w", err)
	}
	migrate := &phase{name: "migrate", ops: res.Migrated, bytes: int64(res.Migrated * *payloadSize), elapsed: time.Since(start)}
	migrate.report()
	if res.Migrated != *records {
		zlogger.Warn("Not every record migrated", zap.Any("result", res))
	}

	read := &phase{name: "get", ops: *records, bytes: int64(*records * *payloadSize)}
	start = time.Now()
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(*readers)
	for i := 0; i < *records; i++ {
		g.Go(func() error {
			t := time.Now()
			rec, tier, found, err := access.Lookup(gctx, key(i))
			read.observe(time.Since(t))
			switch {
			case err != nil:
				return err
			case !found:
				return fmt.Errorf("%s not found", key(i))
			case !bytes.Equal(rec.Payload, payload(i)):
				return fmt.Errorf("%s payload mismatch (served from %s)", key(i), tier)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("get: %w", err)
	}
	read.elapsed = time.Since(start)
	read.report()

	stats, err := engine.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ledger   %v\n", stats)
	return nil
}
