package tiered_storage

import (
	"time"
)

// StorageTierType names the tier that answered for a key.
type StorageTierType string

const (
	NoTier   StorageTierType = ""
	HotTier  StorageTierType = "hot"
	ColdTier StorageTierType = "cold"
)

func (t StorageTierType) String() string {
	if t == NoTier {
		return "none"
	}
	return string(t)
}

// TieringPolicy is the data lifecycle policy the tiering engine enforces:
// records older than AgeThreshold move from the hot tier to the cold tier.
type TieringPolicy struct {
	AgeThreshold time.Duration
	ScanInterval time.Duration
	// ScanPageSize bounds both hot listing pages and runnable task batches.
	ScanPageSize int
	Workers      int
	// MaxAttempts failed attempts quarantine a task.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Lease is how long a claim on a task survives without being renewed.
	Lease time.Duration
	// StepTimeout bounds one migration step, and is also how long a step
	// may keep running after shutdown has been requested.
	StepTimeout         time.Duration
	CopyRateBytesPerSec int64
}

// DefaultTieringPolicy migrates records after 90 days.
func DefaultTieringPolicy() TieringPolicy {
	return TieringPolicy{
		AgeThreshold: 90 * 24 * time.Hour,
		ScanInterval: time.Hour,
		ScanPageSize: 256,
		Workers:      4,
		MaxAttempts:  5,
		BackoffBase:  30 * time.Second,
		BackoffMax:   30 * time.Minute,
		Lease:        5 * time.Minute,
		StepTimeout:  time.Minute,
	}
}

func (p TieringPolicy) withDefaults() TieringPolicy {
	d := DefaultTieringPolicy()
	if p.AgeThreshold <= 0 {
		p.AgeThreshold = d.AgeThreshold
	}
	if p.ScanInterval <= 0 {
		p.ScanInterval = d.ScanInterval
	}
	if p.ScanPageSize <= 0 {
		p.ScanPageSize = d.ScanPageSize
	}
	if p.Workers <= 0 {
		p.Workers = d.Workers
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	if p.Lease <= 0 {
		p.Lease = d.Lease
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = d.StepTimeout
	}
	return p
}

// Backoff is the delay before a task may run again after its attempts-th
// failure: BackoffBase doubled per failure, capped at BackoffMax.
func (p TieringPolicy) Backoff(attempts int) time.Duration {
	if p.BackoffBase <= 0 || attempts <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return min(d, p.BackoffMax)
}
