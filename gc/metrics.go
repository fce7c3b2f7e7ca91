package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	blocksScanned    metric.Int64Counter
	blocksRemoved    metric.Int64Counter
	markSetSize      metric.Int64Gauge
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"blockvault_gc_runs_total",
		metric.WithDescription("Total number of GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"blockvault_gc_run_duration_seconds",
		metric.WithDescription("GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	blocksScanned, err := meter.Int64Counter(
		"blockvault_gc_blocks_scanned_total",
		metric.WithDescription("Total number of blocks considered by the sweep"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	blocksRemoved, err := meter.Int64Counter(
		"blockvault_gc_blocks_removed_total",
		metric.WithDescription("Total number of unreachable blocks removed"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	markSetSize, err := meter.Int64Gauge(
		"blockvault_gc_mark_set_size",
		metric.WithDescription("Number of live blocks marked in the last run"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"blockvault_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"blockvault_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"blockvault_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		blocksScanned:    blocksScanned,
		blocksRemoved:    blocksRemoved,
		markSetSize:      markSetSize,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
