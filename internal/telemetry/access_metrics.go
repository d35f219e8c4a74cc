package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// AccessMetrics holds the instruments for the unified access layer.
type AccessMetrics struct {
	RequestsStartedCounter      metric.Int64Counter
	RequestsHandledCounter      metric.Int64Counter
	RequestLatencyHistogram     metric.Int64Histogram
	ActiveRequestsUpDownCounter metric.Int64UpDownCounter
	// ReadsServedCounter counts Get results by the tier that answered
	// ("hot", "cold" or "none").
	ReadsServedCounter metric.Int64Counter
	// ColdPurgeRetriesCounter counts background retries of failed cold deletes.
	ColdPurgeRetriesCounter metric.Int64Counter
}

// NewAccessMetrics creates and registers the access layer instruments.
func NewAccessMetrics(meter metric.Meter) (*AccessMetrics, error) {
	started, err := meter.Int64Counter(
		"gojotier.access.started_total",
		metric.WithDescription("Total number of record operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	handled, err := meter.Int64Counter(
		"gojotier.access.handled_total",
		metric.WithDescription("Total number of record operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojotier.access.duration",
		metric.WithDescription("The latency of record operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotier.access.active",
		metric.WithDescription("Number of record operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reads, err := meter.Int64Counter(
		"gojotier.access.reads_served_total",
		metric.WithDescription("Reads by the tier that served them."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	purges, err := meter.Int64Counter(
		"gojotier.access.cold_purge_retries_total",
		metric.WithDescription("Background retries of cold deletes that failed inline."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &AccessMetrics{
		RequestsStartedCounter:      started,
		RequestsHandledCounter:      handled,
		RequestLatencyHistogram:     latency,
		ActiveRequestsUpDownCounter: active,
		ReadsServedCounter:          reads,
		ColdPurgeRetriesCounter:     purges,
	}, nil
}
