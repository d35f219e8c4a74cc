package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	recordsservice "github.com/sushant-115/gojotier/api/records_service"
	"github.com/sushant-115/gojotier/config"
	"github.com/sushant-115/gojotier/config/certs"
	"github.com/sushant-115/gojotier/core/security/encryption"
	coldstorage "github.com/sushant-115/gojotier/core/storage_engine/cold_storage"
	hotstorage "github.com/sushant-115/gojotier/core/storage_engine/hot_storage"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	"github.com/sushant-115/gojotier/core/storage_engine/tiered_storage"
	"github.com/sushant-115/gojotier/pkg/logger"
	"github.com/sushant-115/gojotier/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file (defaults apply when empty)")
	httpAddr   = flag.String("http_addr", "", "HTTP bind address, overrides server.http_addr")
	logLevel   = flag.String("log_level", "", "Log level, overrides log.level")
	genCerts   = flag.String("gen_certs", "", "Write a development CA plus server and client certificates into this directory and exit")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.GenerateDevCerts(*genCerts); err != nil {
			fmt.Fprintf(os.Stderr, "generate certificates: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Certificates written to %s\n", *genCerts)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zlogger, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("Server exited with error", zap.Error(err))
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

// node holds everything that has to be closed on shutdown, in reverse order
// of construction.
type node struct {
	closers []func() error
}

func (n *node) onClose(fn func() error) { n.closers = append(n.closers, fn) }

func (n *node) close(zlogger *zap.Logger) {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			zlogger.Warn("Error during shutdown", zap.Error(err))
		}
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var n node
	defer n.close(zlogger)

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	n.onClose(func() error { return shutdownTelemetry(context.Background()) })

	hot, err := openHot(cfg, zlogger)
	if err != nil {
		return err
	}
	n.onClose(hot.Close)

	cold, err := openCold(ctx, cfg, zlogger)
	if err != nil {
		return err
	}
	n.onClose(cold.Close)

	ledger, err := migrationledger.OpenSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open migration ledger: %w", err)
	}
	n.onClose(ledger.Close)

	fence := tiered_storage.NewKeyFence()
	var cache *tiered_storage.LocatorCache
	if cfg.LocatorCache.Enabled {
		cache = tiered_storage.NewLocatorCache(cfg.LocatorCache.Size, cfg.LocatorCache.TTL.Std())
	}

	engine, err := tiered_storage.NewTieredStorageManager(hot, cold, ledger, cfg.Tiering.Policy(), tiered_storage.EngineOptions{
		Fence: fence,
		Cache: cache,
	}, zlogger, tel)
	if err != nil {
		return fmt.Errorf("tiering engine: %w", err)
	}

	access, err := tiered_storage.NewAccessLayer(hot, cold, tiered_storage.AccessOptions{
		Fence:           fence,
		Cache:           cache,
		Canceller:       engine,
		Journal:         ledger,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		PurgeInterval:   cfg.Tiering.PurgeInterval.Std(),
	}, zlogger, tel)
	if err != nil {
		return fmt.Errorf("access layer: %w", err)
	}
	access.Start()
	n.onClose(access.Close)

	if cfg.Tiering.Enabled {
		if err := engine.Start(); err != nil {
			return fmt.Errorf("start tiering engine: %w", err)
		}
		n.onClose(engine.Stop)
	} else {
		zlogger.Info("Tiering disabled; records stay hot until a manual run")
	}

	svc := recordsservice.NewRecordsService(access, engine, recordsservice.Options{
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		RequestTimeout:  cfg.Server.RequestTimeout.Std(),
	}, zlogger)
	return serve(ctx, cfg.Server, svc.Handler(), zlogger)
}

func openHot(cfg config.Config, zlogger *zap.Logger) (*hotstorage.HotStorageAdapter, error) {
	var backend hotstorage.Backend
	switch cfg.Hot.Backend {
	case "redis":
		backend = hotstorage.NewRedisBackend(hotstorage.NewRedisPool(cfg.Hot.Redis), cfg.Hot.Redis.KeyPrefix)
	case "badger":
		b, err := hotstorage.OpenBadgerBackend(cfg.Hot.Badger, zlogger)
		if err != nil {
			return nil, fmt.Errorf("open badger hot store: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown hot backend %q", cfg.Hot.Backend)
	}
	zlogger.Info("Hot tier ready", zap.String("backend", backend.Kind()))
	return hotstorage.NewHotStorageAdapter(backend, cfg.Retry, zlogger), nil
}

func openCold(ctx context.Context, cfg config.Config, zlogger *zap.Logger) (*coldstorage.ColdStorageAdapter, error) {
	var backend coldstorage.Backend
	switch cfg.Cold.Backend {
	case "fs":
		b, err := coldstorage.NewFSBackend(cfg.Cold.Root)
		if err != nil {
			return nil, fmt.Errorf("open fs cold store: %w", err)
		}
		backend = b
	case "gcs":
		b, err := coldstorage.NewGCSBackend(ctx, cfg.Cold.GCS)
		if err != nil {
			return nil, fmt.Errorf("open gcs cold store: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown cold backend %q", cfg.Cold.Backend)
	}
	if cfg.Cold.EncryptionKeyFile != "" {
		key, err := encryption.LoadKeyFile(cfg.Cold.EncryptionKeyFile)
		if err != nil {
			backend.Close()
			return nil, err
		}
		c, err := encryption.NewCipher(key)
		if err != nil {
			backend.Close()
			return nil, err
		}
		backend = coldstorage.NewEncryptedBackend(backend, c)
	}
	if cfg.Cold.Compression == "zstd" {
		c, err := coldstorage.NewCompressedBackend(backend)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("zstd cold store: %w", err)
		}
		backend = c
	}
	zlogger.Info("Cold tier ready", zap.String("backend", backend.Kind()))
	return coldstorage.NewColdStorageAdapter(backend, cfg.Retry, zlogger), nil
}

func serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, zlogger *zap.Logger) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.Enabled() {
		tlsConfig, err := certs.LoadServerTLSConfig(cfg.TLS.CAFile, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load server TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		zlogger.Info("HTTP server listening",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("tls", srv.TLSConfig != nil),
		)
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zlogger.Info("Shutdown signal received, draining HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	zlogger.Info("HTTP server stopped")
	return nil
}
