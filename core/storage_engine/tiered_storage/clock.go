package tiered_storage

import (
	"time"
)

// Clock supplies the current time to the tiering engine and access layer.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Trigger tells the tiering engine when to run a scan cycle.
type Trigger interface {
	C() <-chan time.Time
	Stop()
}

type intervalTrigger struct {
	ticker *time.Ticker
}

// NewIntervalTrigger fires every d.
func NewIntervalTrigger(d time.Duration) Trigger {
	return &intervalTrigger{ticker: time.NewTicker(d)}
}

func (t *intervalTrigger) C() <-chan time.Time { return t.ticker.C }
func (t *intervalTrigger) Stop()               { t.ticker.Stop() }

// ManualTrigger fires only when Fire is called.
type ManualTrigger struct {
	ch chan time.Time
}

func NewManualTrigger() *ManualTrigger {
	return &ManualTrigger{ch: make(chan time.Time)}
}

func (t *ManualTrigger) C() <-chan time.Time { return t.ch }
func (t *ManualTrigger) Stop()               {}

// Fire blocks until the engine loop accepts the tick.
func (t *ManualTrigger) Fire(now time.Time) {
	t.ch <- now
}
