package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Logger interface for dependency injection.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// DefaultLogger provides a basic logger implementation.
type DefaultLogger struct {
	logger *log.Logger
}

func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{logger: log.Default()}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[DEBUG]", msg}, fields...)...)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[INFO]", msg}, fields...)...)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[WARN]", msg}, fields...)...)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.logger.Println(append([]interface{}{"[ERROR]", msg}, fields...)...)
}

// Metrics interface for monitoring.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

// NoOpMetrics provides a no-op metrics implementation.
type NoOpMetrics struct{}

func (m *NoOpMetrics) IncrementCounter(name string, tags map[string]string)                       {}
func (m *NoOpMetrics) RecordDuration(name string, duration time.Duration, tags map[string]string) {}
func (m *NoOpMetrics) SetGauge(name string, value float64, tags map[string]string)                {}

// Manager provides lifecycle management and utilities around a
// RepositoryManager: health checks, retries, and a maintenance loop
// that sweeps the LLM cache and trims terminal jobs.
type Manager struct {
	repoManager RepositoryManager
	config      *Config
	logger      Logger
	metrics     Metrics

	healthCheckInterval time.Duration
	healthCtx           context.Context
	healthCancel        context.CancelFunc
	healthWg            sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	lastError error

	maintenanceInterval time.Duration
	jobRetention        time.Duration
	maintenanceCtx      context.Context
	maintenanceCancel   context.CancelFunc
	maintenanceWg       sync.WaitGroup
}

// ManagerOption defines functional options for Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector for the manager.
func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithHealthCheckInterval sets the health check interval.
func WithHealthCheckInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.healthCheckInterval = interval
	}
}

// WithMaintenanceInterval sets the maintenance interval.
func WithMaintenanceInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maintenanceInterval = interval
	}
}

// WithJobRetention sets how long terminal jobs are kept.
func WithJobRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.jobRetention = d
	}
}

// NewManager creates a new database manager.
func NewManager(repoManager RepositoryManager, config *Config, options ...ManagerOption) *Manager {
	manager := &Manager{
		repoManager:         repoManager,
		config:              config,
		logger:              NewDefaultLogger(),
		metrics:             &NoOpMetrics{},
		healthCheckInterval: time.Minute,
		maintenanceInterval: time.Hour * 6,
		jobRetention:        time.Hour * 24 * 30,
	}

	for _, option := range options {
		option(manager)
	}

	return manager
}

// Open opens the database connection and starts background services.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	if err := m.repoManager.Open(ctx); err != nil {
		m.lastError = err
		m.logger.Error("failed to open state database", "error", err)
		m.metrics.IncrementCounter("db.connection.failed", map[string]string{
			"driver": m.config.Driver,
		})
		return WrapError(err, "open_database")
	}

	if err := m.repoManager.System().Ping(ctx); err != nil {
		m.lastError = err
		m.logger.Error("state database health check failed", "error", err)
		return WrapError(err, "initial_health_check")
	}

	m.connected = true
	m.lastError = nil

	m.startHealthChecker()
	m.startMaintenance()

	m.logger.Info("state database opened",
		"driver", m.config.Driver,
		"database", m.config.Database)
	m.metrics.IncrementCounter("db.connection.opened", map[string]string{
		"driver": m.config.Driver,
	})

	return nil
}

// Close closes the database connection and stops background services.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.stopHealthChecker()
	m.stopMaintenance()

	if err := m.repoManager.Close(ctx); err != nil {
		m.logger.Error("failed to close state database", "error", err)
		return WrapError(err, "close_database")
	}

	m.connected = false
	m.lastError = nil

	m.logger.Info("state database closed")
	m.metrics.IncrementCounter("db.connection.closed", map[string]string{
		"driver": m.config.Driver,
	})

	return nil
}

// IsConnected returns whether the database is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LastError returns the last error encountered.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// HealthCheck performs a manual health check.
func (m *Manager) HealthCheck(ctx context.Context) error {
	start := time.Now()
	defer func() {
		m.metrics.RecordDuration("db.health_check.duration", time.Since(start), map[string]string{
			"driver": m.config.Driver,
		})
	}()

	if !m.IsConnected() {
		return ErrDatabaseClosed
	}

	if err := m.repoManager.System().Ping(ctx); err != nil {
		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()

		m.logger.Error("health check failed", "error", err)
		m.metrics.IncrementCounter("db.health_check.failed", map[string]string{
			"driver": m.config.Driver,
		})
		return WrapError(err, "health_check")
	}

	return nil
}

// ExecuteWithRetry executes a function with retry logic.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * m.config.RetryDelay
			if delay > m.config.RetryMaxDelay {
				delay = m.config.RetryMaxDelay
			}

			m.logger.Debug("retrying operation",
				"attempt", attempt,
				"delay", delay,
				"last_error", lastErr)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		err := operation()

		m.metrics.RecordDuration("db.operation.duration", time.Since(start), map[string]string{
			"driver":  m.config.Driver,
			"attempt": fmt.Sprintf("%d", attempt),
		})

		if err == nil {
			if attempt > 0 {
				m.logger.Info("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			m.logger.Debug("operation failed with non-retryable error", "error", err)
			break
		}

		m.metrics.IncrementCounter("db.operation.retryable_error", map[string]string{
			"driver": m.config.Driver,
		})
	}

	m.logger.Error("operation failed after all retries",
		"attempts", m.config.MaxRetries+1,
		"last_error", lastErr)

	return WrapError(lastErr, "execute_with_retry")
}

// ExecuteInTransaction executes a function within a transaction with
// retry logic.
func (m *Manager) ExecuteInTransaction(ctx context.Context, operation func(TransactionContext) error) error {
	return m.ExecuteWithRetry(ctx, func() error {
		return m.repoManager.WithTransaction(ctx, operation)
	})
}

// GetRepositoryManager returns the underlying repository manager.
func (m *Manager) GetRepositoryManager() RepositoryManager {
	return m.repoManager
}

// GetConfig returns the configuration.
func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) startHealthChecker() {
	m.healthCtx, m.healthCancel = context.WithCancel(context.Background())

	m.healthWg.Add(1)
	go func() {
		defer m.healthWg.Done()

		ticker := time.NewTicker(m.healthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.healthCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(m.healthCtx, time.Second*10)
				if err := m.HealthCheck(ctx); err != nil {
					m.logger.Error("background health check failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (m *Manager) stopHealthChecker() {
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthWg.Wait()
	}
}

func (m *Manager) startMaintenance() {
	m.maintenanceCtx, m.maintenanceCancel = context.WithCancel(context.Background())

	m.maintenanceWg.Add(1)
	go func() {
		defer m.maintenanceWg.Done()

		ticker := time.NewTicker(m.maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.maintenanceCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(m.maintenanceCtx, time.Minute*10)
				m.performMaintenance(ctx)
				cancel()
			}
		}
	}()
}

func (m *Manager) stopMaintenance() {
	if m.maintenanceCancel != nil {
		m.maintenanceCancel()
		m.maintenanceWg.Wait()
	}
}

// performMaintenance sweeps expired LLM cache entries, trims terminal
// jobs past retention, and publishes table gauges.
func (m *Manager) performMaintenance(ctx context.Context) {
	m.logger.Info("starting state database maintenance")

	start := time.Now()
	defer func() {
		m.logger.Info("state database maintenance completed", "duration", time.Since(start))
		m.metrics.RecordDuration("db.maintenance.duration", time.Since(start), map[string]string{
			"driver": m.config.Driver,
		})
	}()

	now := time.Now().UTC()

	if swept, err := m.repoManager.LLM().SweepExpired(ctx, now); err != nil {
		m.logger.Error("failed to sweep llm cache", "error", err)
	} else if swept > 0 {
		m.logger.Info("swept expired llm cache entries", "count", swept)
		m.metrics.IncrementCounter("db.maintenance.llm_cache_swept", map[string]string{
			"driver": m.config.Driver,
		})
	}

	if removed, err := m.repoManager.Jobs().Cleanup(ctx, now.Add(-m.jobRetention)); err != nil {
		m.logger.Error("failed to clean up jobs", "error", err)
	} else if removed > 0 {
		m.logger.Info("cleaned up terminal jobs", "count", removed)
	}

	stats, err := m.repoManager.System().Stats(ctx)
	if err != nil {
		m.logger.Error("failed to collect store stats", "error", err)
		return
	}

	tags := map[string]string{"driver": m.config.Driver}
	m.metrics.SetGauge("db.documents", float64(stats.Documents), tags)
	m.metrics.SetGauge("db.extractions", float64(stats.Extractions), tags)
	m.metrics.SetGauge("db.pending_review", float64(stats.PendingReview), tags)
	m.metrics.SetGauge("db.cached_transactions", float64(stats.CachedTxns), tags)
	m.metrics.SetGauge("db.open_proposals", float64(stats.OpenProposals), tags)
	m.metrics.SetGauge("db.queued_jobs", float64(stats.QueuedJobs), tags)
}
