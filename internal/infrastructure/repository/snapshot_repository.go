package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// snapshotRepository implements SnapshotRepository using PostgreSQL
type snapshotRepository struct {
	db DB
}

// NewSnapshotRepository creates a new telemetry snapshot repository
func NewSnapshotRepository(db DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

const snapshotColumns = `
	id, device_id, collected_at, cpu_percent, memory_percent,
	disk_usage_percent, process_count, login_user,
	security, network, processes
`

// Create inserts a single telemetry sample
func (r *snapshotRepository) Create(ctx context.Context, s *device.Snapshot) error {
	return r.insert(ctx, r.db, s)
}

// CreateBatch inserts a batch of samples in one transaction
func (r *snapshotRepository) CreateBatch(ctx context.Context, snapshots []*device.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, s := range snapshots {
		if err := r.insert(ctx, tx, s); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *snapshotRepository) insert(ctx context.Context, db execer, s *device.Snapshot) error {
	if s.DeviceID == "" {
		return ErrInvalidInput
	}

	securityJSON, err := json.Marshal(s.Security)
	if err != nil {
		return fmt.Errorf("failed to marshal security posture: %w", err)
	}
	networkJSON, err := json.Marshal(s.Network)
	if err != nil {
		return fmt.Errorf("failed to marshal network state: %w", err)
	}
	processesJSON, err := json.Marshal(s.Processes)
	if err != nil {
		return fmt.Errorf("failed to marshal processes: %w", err)
	}

	query := `
		INSERT INTO telemetry_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = db.ExecContext(ctx, query,
		s.ID, s.DeviceID, s.CollectedAt, s.CPUPercent, s.MemoryPercent,
		s.DiskUsagePercent, s.ProcessCount, nullIfEmpty(s.LoginUser),
		securityJSON, networkJSON, processesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// ListByDevice returns a device's samples since a point in time in
// collection order
func (r *snapshotRepository) ListByDevice(ctx context.Context, deviceID string, since time.Time) ([]*device.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM telemetry_snapshots
		WHERE device_id = $1 AND collected_at >= $2
		ORDER BY collected_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*device.Snapshot
	for rows.Next() {
		var s device.Snapshot
		var loginUser sql.NullString
		var securityJSON, networkJSON, processesJSON []byte

		err := rows.Scan(
			&s.ID, &s.DeviceID, &s.CollectedAt, &s.CPUPercent, &s.MemoryPercent,
			&s.DiskUsagePercent, &s.ProcessCount, &loginUser,
			&securityJSON, &networkJSON, &processesJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		if loginUser.Valid {
			s.LoginUser = loginUser.String
		}
		if err := json.Unmarshal(securityJSON, &s.Security); err != nil {
			return nil, fmt.Errorf("failed to unmarshal security posture: %w", err)
		}
		if err := json.Unmarshal(networkJSON, &s.Network); err != nil {
			return nil, fmt.Errorf("failed to unmarshal network state: %w", err)
		}
		if len(processesJSON) > 0 {
			if err := json.Unmarshal(processesJSON, &s.Processes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal processes: %w", err)
			}
		}
		snapshots = append(snapshots, &s)
	}
	return snapshots, rows.Err()
}

// CountByDevice counts a device's samples since a point in time
func (r *snapshotRepository) CountByDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry_snapshots WHERE device_id = $1 AND collected_at >= $2`,
		deviceID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}
