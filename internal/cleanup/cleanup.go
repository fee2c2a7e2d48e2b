// Package cleanup runs the retention sweep: periodic physical deletion of
// invalid token generations older than the configured retention age, plus
// optional database maintenance.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tokenvault/tokenvault/internal/logging"
)

// Sweeper is the slice of the store the sweep needs.
type Sweeper interface {
	DeleteInvalidBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
}

// MetricsRecorder records sweep results. A nil recorder disables recording.
type MetricsRecorder interface {
	RecordSweepDeleted(count int64)
}

// Notifier is told about sweep failures. A nil notifier disables
// notification.
type Notifier interface {
	SweepFailed(err error)
}

// Config contains the cleanup manager configuration.
type Config struct {
	Interval         time.Duration
	InvalidRetention time.Duration
	BatchSize        int
	VacuumEnabled    bool
	VacuumInterval   time.Duration
	ShutdownTimeout  time.Duration
}

// Stats contains sweep statistics.
type Stats struct {
	TotalRuns         int           `json:"total_runs"`
	TotalDeletedCount int64         `json:"total_deleted_count"`
	LastRunAt         time.Time     `json:"last_run_at"`
	LastRunDuration   time.Duration `json:"last_run_duration"`
	LastRunDeleted    int64         `json:"last_run_deleted"`
	VacuumCount       int           `json:"vacuum_count"`
	VacuumLastAt      time.Time     `json:"vacuum_last_at"`
}

// Manager handles the periodic retention sweep.
type Manager struct {
	sweeper  Sweeper
	config   Config
	logger   *logging.Logger
	metrics  MetricsRecorder
	notifier Notifier

	ticker       *time.Ticker
	vacuumTicker *time.Ticker
	done         chan struct{}
	running      bool
	mu           sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r MetricsRecorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// WithNotifier sets the failure notifier.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// NewManager creates a new cleanup manager.
func NewManager(config Config, sweeper Sweeper, opts ...ManagerOption) *Manager {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.InvalidRetention <= 0 {
		config.InvalidRetention = 30 * 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}

	m := &Manager{
		sweeper: sweeper,
		config:  config,
		logger:  logging.NewLogger(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the cleanup manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("cleanup manager is already running")
	}
	m.running = true

	m.ticker = time.NewTicker(m.config.Interval)
	go m.runSweepLoop(ctx)

	if m.config.VacuumEnabled && m.config.VacuumInterval > 0 {
		m.vacuumTicker = time.NewTicker(m.config.VacuumInterval)
		go m.runVacuumLoop(ctx)
	}

	m.logger.Info("retention sweep started",
		"interval", m.config.Interval.String(),
		"retention", m.config.InvalidRetention.String())
	return nil
}

// Stop stops the cleanup manager gracefully.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.vacuumTicker != nil {
		m.vacuumTicker.Stop()
	}
	close(m.done)
	return nil
}

func (m *Manager) runSweepLoop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.ticker.C:
			m.RunSweep(ctx)
		}
	}
}

func (m *Manager) runVacuumLoop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-m.vacuumTicker.C:
			m.RunVacuum(ctx)
		}
	}
}

// RunSweep performs one retention sweep immediately. Only rows already
// invalid and older than the retention age are deleted; valid rows are never
// touched.
func (m *Manager) RunSweep(ctx context.Context) Stats {
	start := time.Now()
	cutoff := start.Add(-m.config.InvalidRetention)

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	deleted, err := m.sweeper.DeleteInvalidBefore(ctx, cutoff, m.config.BatchSize)
	duration := time.Since(start)

	if err != nil {
		m.logger.Error("retention sweep failed", "error", err.Error())
		if m.notifier != nil {
			m.notifier.SweepFailed(err)
		}
	} else if deleted > 0 {
		m.logger.Info("retention sweep completed",
			"deleted", deleted, "duration", duration.String())
	}

	if m.metrics != nil && deleted > 0 {
		m.metrics.RecordSweepDeleted(deleted)
	}

	m.statsMu.Lock()
	m.stats.TotalRuns++
	m.stats.TotalDeletedCount += deleted
	m.stats.LastRunAt = start
	m.stats.LastRunDuration = duration
	m.stats.LastRunDeleted = deleted
	m.statsMu.Unlock()

	return m.GetStats()
}

// RunVacuum performs a vacuum plus analyze pass immediately.
func (m *Manager) RunVacuum(ctx context.Context) error {
	if err := m.sweeper.Vacuum(ctx); err != nil {
		m.logger.Warn("vacuum failed", "error", err.Error())
		return err
	}
	if err := m.sweeper.Analyze(ctx); err != nil {
		m.logger.Warn("analyze failed", "error", err.Error())
		return err
	}

	m.statsMu.Lock()
	m.stats.VacuumCount++
	m.stats.VacuumLastAt = time.Now()
	m.statsMu.Unlock()
	return nil
}

// GetStats returns the current sweep statistics.
func (m *Manager) GetStats() Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

// IsRunning returns whether the cleanup manager is running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
