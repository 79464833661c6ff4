package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/config"
)

// ConnectionPool wraps a pgx pool with a circuit breaker, periodic health
// checks and basic query metrics
type ConnectionPool struct {
	primary         *pgxpool.Pool
	config          *config.DatabaseConfig
	logger          *zap.Logger
	healthCheckStop chan struct{}
	stopOnce        sync.Once
	metrics         *ConnectionMetrics
	circuitBreaker  *CircuitBreaker
}

// ConnectionMetrics tracks database performance counters
type ConnectionMetrics struct {
	mu sync.RWMutex

	TotalConnections int64

	QueriesExecuted int64
	QueriesFailed   int64
	TotalQueryTime  time.Duration

	LastHealthCheck time.Time
}

// CircuitBreaker implements circuit breaker pattern for database connections
type CircuitBreaker struct {
	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	state           CircuitState
	timeout         time.Duration
	threshold       int
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// Allow reports whether a new operation may proceed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return true
}

// RecordSuccess closes the breaker after a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = CircuitClosed
}

// RecordFailure trips the breaker once the threshold is crossed
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// NewConnectionPool creates a new connection pool against the configured
// primary database
func NewConnectionPool(cfg *config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	pool := &ConnectionPool{
		config:          cfg,
		logger:          logger,
		healthCheckStop: make(chan struct{}),
		metrics:         &ConnectionMetrics{},
		circuitBreaker: &CircuitBreaker{
			timeout:   30 * time.Second,
			threshold: 10,
			state:     CircuitClosed,
		},
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool.configurePgxPool(pgxCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool.primary, err = pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.primary.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	go pool.healthCheckRoutine()

	logger.Info("database connection pool initialized",
		zap.Int("max_connections", int(pgxCfg.MaxConns)))

	return pool, nil
}

func (p *ConnectionPool) configurePgxPool(cfg *pgxpool.Config) {
	if p.config.MaxOpenConns > 0 {
		cfg.MaxConns = int32(p.config.MaxOpenConns)
	} else {
		cfg.MaxConns = 25
	}
	if p.config.MaxIdleConns > 0 {
		cfg.MinConns = int32(p.config.MaxIdleConns)
	} else {
		cfg.MinConns = 5
	}
	if p.config.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = p.config.ConnMaxLifetime
	} else {
		cfg.MaxConnLifetime = 30 * time.Minute
	}
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = 1 * time.Minute

	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	cfg.ConnConfig.RuntimeParams = map[string]string{
		"application_name":  "dta_backend",
		"search_path":       "analytics,telemetry,public",
		"timezone":          "UTC",
		"lock_timeout":      "10s",
		"statement_timeout": "30s",
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		p.metrics.mu.Lock()
		p.metrics.TotalConnections++
		p.metrics.mu.Unlock()
		return nil
	}

	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return p.circuitBreaker.Allow()
	}
}

func (p *ConnectionPool) healthCheckRoutine() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performHealthCheck()
		case <-p.healthCheckStop:
			return
		}
	}
}

func (p *ConnectionPool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.primary.Ping(ctx); err != nil {
		p.logger.Error("database health check failed", zap.Error(err))
		p.circuitBreaker.RecordFailure()
	} else {
		p.circuitBreaker.RecordSuccess()
	}

	p.metrics.mu.Lock()
	p.metrics.LastHealthCheck = time.Now()
	p.metrics.mu.Unlock()
}

// HealthCheck pings the database once, for readiness probes
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	return p.primary.Ping(ctx)
}

// Metrics returns a copy of the current counters
func (p *ConnectionPool) Metrics() ConnectionMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return ConnectionMetrics{
		TotalConnections: p.metrics.TotalConnections,
		QueriesExecuted:  p.metrics.QueriesExecuted,
		QueriesFailed:    p.metrics.QueriesFailed,
		TotalQueryTime:   p.metrics.TotalQueryTime,
		LastHealthCheck:  p.metrics.LastHealthCheck,
	}
}

// RecordQuery updates query counters and feeds the circuit breaker. The
// metered stdlib wrapper calls it on every statement.
func (p *ConnectionPool) RecordQuery(duration time.Duration, failed bool) {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	p.metrics.QueriesExecuted++
	p.metrics.TotalQueryTime += duration
	if failed {
		p.metrics.QueriesFailed++
		p.circuitBreaker.RecordFailure()
	} else {
		p.circuitBreaker.RecordSuccess()
	}
}

// Close shuts down the pool and stops the health check routine
func (p *ConnectionPool) Close() {
	p.stopOnce.Do(func() {
		close(p.healthCheckStop)
	})
	p.primary.Close()
	p.logger.Info("database connection pool closed")
}
