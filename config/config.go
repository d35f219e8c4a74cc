// Package config loads the gojotier server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	coldstorage "github.com/sushant-115/gojotier/core/storage_engine/cold_storage"
	hotstorage "github.com/sushant-115/gojotier/core/storage_engine/hot_storage"
	"github.com/sushant-115/gojotier/core/storage_engine/tiered_storage"
	"github.com/sushant-115/gojotier/internal/retry"
	"github.com/sushant-115/gojotier/pkg/logger"
	"github.com/sushant-115/gojotier/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that also accepts a whole number of days,
// e.g. "90d", since age thresholds are naturally written that way.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration parses "90d" style day counts and anything time.ParseDuration accepts.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	v := time.Duration(d)
	if v > 0 && v%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", v/(24*time.Hour)), nil
	}
	return v.String(), nil
}

// TLSConfig enables HTTPS when CertFile and KeyFile are set; CAFile
// additionally requires client certificates signed by that CA.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type ServerConfig struct {
	HTTPAddr        string    `yaml:"http_addr"`
	RequestTimeout  Duration  `yaml:"request_timeout"`
	MaxPayloadBytes int64     `yaml:"max_payload_bytes"`
	TLS             TLSConfig `yaml:"tls"`
}

type HotConfig struct {
	// Backend is "redis" or "badger".
	Backend string                  `yaml:"backend"`
	Redis   hotstorage.RedisConfig  `yaml:"redis"`
	Badger  hotstorage.BadgerConfig `yaml:"badger"`
}

type ColdConfig struct {
	// Backend is "fs" or "gcs".
	Backend string `yaml:"backend"`
	// Root is the directory of the fs backend.
	Root string                `yaml:"root"`
	GCS  coldstorage.GCSConfig `yaml:"gcs"`
	// Compression is "none" or "zstd".
	Compression string `yaml:"compression"`
	// EncryptionKeyFile holds a hex AES key; objects are sealed when set.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type TieringConfig struct {
	Enabled             bool     `yaml:"enabled"`
	AgeThreshold        Duration `yaml:"age_threshold"`
	ScanInterval        Duration `yaml:"scan_interval"`
	ScanPageSize        int      `yaml:"scan_page_size"`
	Workers             int      `yaml:"workers"`
	MaxAttempts         int      `yaml:"max_attempts"`
	BackoffBase         Duration `yaml:"backoff_base"`
	BackoffMax          Duration `yaml:"backoff_max"`
	Lease               Duration `yaml:"lease"`
	StepTimeout         Duration `yaml:"step_timeout"`
	CopyRateBytesPerSec int64    `yaml:"copy_rate_bytes_per_sec"`
	// PurgeInterval is how often failed cold deletes are retried.
	PurgeInterval Duration `yaml:"purge_interval"`
}

// Policy converts the section into the engine's policy.
func (t TieringConfig) Policy() tiered_storage.TieringPolicy {
	return tiered_storage.TieringPolicy{
		AgeThreshold:        t.AgeThreshold.Std(),
		ScanInterval:        t.ScanInterval.Std(),
		ScanPageSize:        t.ScanPageSize,
		Workers:             t.Workers,
		MaxAttempts:         t.MaxAttempts,
		BackoffBase:         t.BackoffBase.Std(),
		BackoffMax:          t.BackoffMax.Std(),
		Lease:               t.Lease.Std(),
		StepTimeout:         t.StepTimeout.Std(),
		CopyRateBytesPerSec: t.CopyRateBytesPerSec,
	}
}

type LocatorCacheConfig struct {
	Enabled bool     `yaml:"enabled"`
	Size    int      `yaml:"size"`
	TTL     Duration `yaml:"ttl"`
}

// Config is the whole server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Hot          HotConfig          `yaml:"hot"`
	Cold         ColdConfig         `yaml:"cold"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Tiering      TieringConfig      `yaml:"tiering"`
	Retry        retry.Policy       `yaml:"retry"`
	LocatorCache LocatorCacheConfig `yaml:"locator_cache"`
	Log          logger.Config      `yaml:"log"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// Default returns a configuration that runs entirely on local disk.
func Default() Config {
	p := tiered_storage.DefaultTieringPolicy()
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			RequestTimeout:  Duration(30 * time.Second),
			MaxPayloadBytes: 1 << 20,
		},
		Hot: HotConfig{
			Backend: "badger",
			Redis:   hotstorage.RedisConfig{Addr: "localhost:6379", KeyPrefix: "gt:", MaxIdle: 8, DialTimeout: 5 * time.Second},
			Badger:  hotstorage.BadgerConfig{Dir: "data/hot"},
		},
		Cold: ColdConfig{
			Backend:     "fs",
			Root:        "data/cold",
			Compression: "zstd",
		},
		Ledger: LedgerConfig{Path: "data/ledger.db"},
		Tiering: TieringConfig{
			Enabled:       true,
			AgeThreshold:  Duration(p.AgeThreshold),
			ScanInterval:  Duration(p.ScanInterval),
			ScanPageSize:  p.ScanPageSize,
			Workers:       p.Workers,
			MaxAttempts:   p.MaxAttempts,
			BackoffBase:   Duration(p.BackoffBase),
			BackoffMax:    Duration(p.BackoffMax),
			Lease:         Duration(p.Lease),
			StepTimeout:   Duration(p.StepTimeout),
			PurgeInterval: Duration(5 * time.Second),
		},
		Retry: retry.DefaultPolicy(),
		LocatorCache: LocatorCacheConfig{
			Enabled: true,
			Size:    100000,
			TTL:     Duration(10 * time.Minute),
		},
		Log: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "gojotier",
			MetricsAddr:      ":9464",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.HTTPAddr == "" {
		add("server.http_addr is required")
	}
	if c.Server.MaxPayloadBytes <= 0 {
		add("server.max_payload_bytes must be positive")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		add("server.tls needs both cert_file and key_file")
	}

	switch c.Hot.Backend {
	case "redis":
		if c.Hot.Redis.Addr == "" {
			add("hot.redis.addr is required")
		}
	case "badger":
		if c.Hot.Badger.Dir == "" && !c.Hot.Badger.InMemory {
			add("hot.badger.dir is required unless in_memory is set")
		}
	default:
		add("hot.backend %q: want redis or badger", c.Hot.Backend)
	}

	switch c.Cold.Backend {
	case "fs":
		if c.Cold.Root == "" {
			add("cold.root is required for the fs backend")
		}
	case "gcs":
		if c.Cold.GCS.Bucket == "" {
			add("cold.gcs.bucket is required")
		}
	default:
		add("cold.backend %q: want fs or gcs", c.Cold.Backend)
	}
	switch c.Cold.Compression {
	case "", "none", "zstd":
	default:
		add("cold.compression %q: want none or zstd", c.Cold.Compression)
	}

	if c.Ledger.Path == "" {
		add("ledger.path is required")
	}

	t := c.Tiering
	if t.AgeThreshold <= 0 {
		add("tiering.age_threshold must be positive")
	}
	if t.ScanInterval <= 0 {
		add("tiering.scan_interval must be positive")
	}
	if t.Workers <= 0 {
		add("tiering.workers must be positive")
	}
	if t.MaxAttempts <= 0 {
		add("tiering.max_attempts must be positive")
	}
	if t.BackoffMax < t.BackoffBase {
		add("tiering.backoff_max must not be below backoff_base")
	}
	if t.CopyRateBytesPerSec < 0 {
		add("tiering.copy_rate_bytes_per_sec must not be negative")
	}
	// a claim must outlive a full Copy, Verify and HotDelete run
	if t.StepTimeout <= 0 {
		add("tiering.step_timeout must be positive")
	} else if t.Lease <= 3*t.StepTimeout {
		add("tiering.lease %s must exceed three step timeouts (%s)", t.Lease.Std(), 3*t.StepTimeout.Std())
	}

	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.LocatorCache.Enabled && c.LocatorCache.Size <= 0 {
		add("locator_cache.size must be positive when enabled")
	}
	return errors.Join(errs...)
}
