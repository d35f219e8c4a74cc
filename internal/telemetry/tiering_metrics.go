package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TieringMetrics holds the instruments for the tiering engine.
type TieringMetrics struct {
	TasksCreatedCounter      metric.Int64Counter
	StepOutcomesCounter      metric.Int64Counter
	QuarantinedCounter       metric.Int64Counter
	BytesMigratedCounter     metric.Int64Counter
	ScanDurationHistogram    metric.Int64Histogram
	ActiveTasksUpDownCounter metric.Int64UpDownCounter
}

// NewTieringMetrics creates and registers the tiering engine instruments.
func NewTieringMetrics(meter metric.Meter) (*TieringMetrics, error) {
	created, err := meter.Int64Counter(
		"gojotier.tiering.tasks_created_total",
		metric.WithDescription("Migration tasks created by scans."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"gojotier.tiering.step_outcomes_total",
		metric.WithDescription("Migration steps by step and outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	quarantined, err := meter.Int64Counter(
		"gojotier.tiering.quarantined_total",
		metric.WithDescription("Migration tasks quarantined after exhausting retries."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	migrated, err := meter.Int64Counter(
		"gojotier.tiering.bytes_migrated_total",
		metric.WithDescription("Payload bytes whose hot copy was removed after verification."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	scan, err := meter.Int64Histogram(
		"gojotier.tiering.scan_duration",
		metric.WithDescription("Duration of a full scan and drain cycle."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotier.tiering.active_tasks",
		metric.WithDescription("Migration tasks currently being worked on."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TieringMetrics{
		TasksCreatedCounter:      created,
		StepOutcomesCounter:      outcomes,
		QuarantinedCounter:       quarantined,
		BytesMigratedCounter:     migrated,
		ScanDurationHistogram:    scan,
		ActiveTasksUpDownCounter: active,
	}, nil
}
