package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// DB is the slice of database/sql the repositories use. Satisfied by
// *sql.DB and by the pool's metered wrapper, which times statements and
// feeds failures to the circuit breaker.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// AnomalyFilter narrows anomaly listings
type AnomalyFilter struct {
	DeviceID    string
	Severity    *anomaly.Severity
	MinSeverity *anomaly.Severity
	Disposition *anomaly.Disposition
	Unalerted   bool
	Since       *time.Time
	OrderBy     string
	Limit       int
	Offset      int
}

// AnomalyRepository defines the interface for anomaly persistence
type AnomalyRepository interface {
	// Create inserts a new anomaly
	Create(ctx context.Context, a *anomaly.Anomaly) error

	// GetByID retrieves an anomaly by its ID
	GetByID(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error)

	// Update persists disposition and alert state changes
	Update(ctx context.Context, a *anomaly.Anomaly) error

	// List returns anomalies matching the filter criteria
	List(ctx context.Context, filter AnomalyFilter) ([]*anomaly.Anomaly, error)

	// CountBySeverity aggregates anomalies by severity since a point in time
	CountBySeverity(ctx context.Context, since time.Time) (map[string]int, error)

	// CountByType aggregates anomalies by type since a point in time
	CountByType(ctx context.Context, since time.Time) (map[string]int, error)

	// CountByDisposition aggregates anomalies by lifecycle state
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// BaselineRepository defines the interface for baseline snapshot persistence.
// Baselines are keyed by (device, category).
type BaselineRepository interface {
	// Upsert replaces the device's baseline for its category in a single
	// statement so readers never observe a partial rebuild
	Upsert(ctx context.Context, b *behavior.Baseline) error

	// Get retrieves the current baseline for one device and category
	Get(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error)

	// ListByDevice returns every stored baseline for a device
	ListByDevice(ctx context.Context, deviceID string) ([]*behavior.Baseline, error)

	// DeviceIDs lists every device with at least one stored baseline
	DeviceIDs(ctx context.Context) ([]string, error)
}

// ProfileRepository defines the interface for behavioral profile persistence
type ProfileRepository interface {
	// Upsert replaces the device's profile atomically
	Upsert(ctx context.Context, p *behavior.Profile) error

	// GetByDevice retrieves the current profile for a device
	GetByDevice(ctx context.Context, deviceID string) (*behavior.Profile, error)
}

// SnapshotRepository defines the interface for raw telemetry persistence
type SnapshotRepository interface {
	// Create inserts a single telemetry sample
	Create(ctx context.Context, s *device.Snapshot) error

	// CreateBatch inserts a batch of samples in one transaction
	CreateBatch(ctx context.Context, snapshots []*device.Snapshot) error

	// ListByDevice returns a device's samples since a point in time,
	// ordered by collection time
	ListByDevice(ctx context.Context, deviceID string, since time.Time) ([]*device.Snapshot, error)

	// CountByDevice counts a device's samples since a point in time
	CountByDevice(ctx context.Context, deviceID string, since time.Time) (int, error)
}
