package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/blockvault/blockstore"
	"github.com/wolfeidau/blockvault/pin"
	"github.com/wolfeidau/blockvault/rootstore"
)

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
	}
}

// Report contains the results of a GC run.
type Report struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	MarkSetSize   int           `json:"mark_set_size"`
	BlocksScanned int64         `json:"blocks_scanned"`
	BlocksRemoved int64         `json:"blocks_removed"`
	Errors        []string      `json:"errors,omitempty"`
}

// Manager runs garbage collection on a schedule.
type Manager struct {
	bs      blockstore.GCBlockstore
	pins    pin.Pinner
	roots   rootstore.Getter
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Report
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a new GC manager.
func New(bs blockstore.GCBlockstore, pins pin.Pinner, roots rootstore.Getter, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		bs:     bs,
		pins:   pins,
		roots:  roots,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) (*Report, error) {
	return m.runGC(ctx), nil
}

// Status returns the last GC run report.
func (m *Manager) Status() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	logger := m.logger.With("run_id", report.RunID)
	logger.Info("starting gc run")

	results, err := Run(ctx, m.bs, m.pins, m.roots,
		WithRunLogger(logger),
		WithStats(func(s Stats) {
			report.MarkSetSize = s.MarkSetSize
			report.BlocksScanned = s.BlocksScanned
			report.BlocksRemoved = s.BlocksRemoved
		}),
	)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		logger.Error("gc run failed", "error", err)
	} else {
		for res := range results {
			report.Errors = append(report.Errors, res.Err.Error())
			logger.Error("gc sweep error", "cid", res.Key.String(), "error", res.Err)
		}
	}

	report.Duration = time.Since(report.StartedAt)

	m.mu.Lock()
	m.lastRun = report
	m.mu.Unlock()

	m.recordMetrics(ctx, report)

	logger.Info("gc run completed",
		"duration", report.Duration,
		"mark_set_size", report.MarkSetSize,
		"blocks_scanned", report.BlocksScanned,
		"blocks_removed", report.BlocksRemoved,
		"errors", len(report.Errors),
	)

	return report
}

func (m *Manager) recordMetrics(ctx context.Context, report *Report) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, report.Duration.Seconds())
	m.metrics.blocksScanned.Add(ctx, report.BlocksScanned)
	m.metrics.blocksRemoved.Add(ctx, report.BlocksRemoved)
	m.metrics.markSetSize.Record(ctx, int64(report.MarkSetSize))
	m.metrics.errorsTotal.Add(ctx, int64(len(report.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(report.StartedAt.Unix()))

	if len(report.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
