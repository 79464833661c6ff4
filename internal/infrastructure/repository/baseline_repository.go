package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
)

// baselineRepository implements BaselineRepository using PostgreSQL
type baselineRepository struct {
	db DB
}

// NewBaselineRepository creates a new baseline repository
func NewBaselineRepository(db DB) BaselineRepository {
	return &baselineRepository{db: db}
}

const baselineColumns = `device_id, category, features, login_hours, active_days,
	       value_counts, window_days, sample_count, confidence, computed_at`

// Upsert replaces the device's baseline for its category in a single
// statement. The whole snapshot lands in one write, so a concurrent reader
// sees either the old baseline or the new one, never a mix.
func (r *baselineRepository) Upsert(ctx context.Context, b *behavior.Baseline) error {
	if b.DeviceID == "" || b.Category == "" {
		return ErrInvalidInput
	}

	featuresJSON, err := json.Marshal(b.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	hoursJSON, err := json.Marshal(b.LoginHours)
	if err != nil {
		return fmt.Errorf("failed to marshal login hours: %w", err)
	}
	daysJSON, err := json.Marshal(b.ActiveDays)
	if err != nil {
		return fmt.Errorf("failed to marshal active days: %w", err)
	}
	countsJSON, err := json.Marshal(b.ValueCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal value counts: %w", err)
	}

	query := `
		INSERT INTO behavior_baselines (
			device_id, category, features, login_hours, active_days,
			value_counts, window_days, sample_count, confidence, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (device_id, category) DO UPDATE SET
			features = EXCLUDED.features,
			login_hours = EXCLUDED.login_hours,
			active_days = EXCLUDED.active_days,
			value_counts = EXCLUDED.value_counts,
			window_days = EXCLUDED.window_days,
			sample_count = EXCLUDED.sample_count,
			confidence = EXCLUDED.confidence,
			computed_at = EXCLUDED.computed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		b.DeviceID, string(b.Category), featuresJSON, hoursJSON, daysJSON,
		countsJSON, b.WindowDays, b.SampleCount, b.Confidence, b.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline: %w", err)
	}
	return nil
}

// Get retrieves the current baseline for one device and category
func (r *baselineRepository) Get(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM behavior_baselines
		WHERE device_id = $1 AND category = $2
	`, baselineColumns)

	row := r.db.QueryRowContext(ctx, query, deviceID, string(category))
	b, err := scanBaseline(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	return b, nil
}

// ListByDevice returns every stored baseline for a device, ordered by category
func (r *baselineRepository) ListByDevice(ctx context.Context, deviceID string) ([]*behavior.Baseline, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM behavior_baselines
		WHERE device_id = $1
		ORDER BY category
	`, baselineColumns)

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	var baselines []*behavior.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}

// DeviceIDs lists every device with at least one stored baseline
func (r *baselineRepository) DeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM behavior_baselines ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list baseline devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanBaseline(row interface{ Scan(dest ...interface{}) error }) (*behavior.Baseline, error) {
	var b behavior.Baseline
	var category string
	var featuresJSON, hoursJSON, daysJSON, countsJSON []byte

	err := row.Scan(
		&b.DeviceID, &category, &featuresJSON, &hoursJSON, &daysJSON,
		&countsJSON, &b.WindowDays, &b.SampleCount, &b.Confidence, &b.ComputedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Category = behavior.Category(category)

	if err := json.Unmarshal(featuresJSON, &b.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	if len(hoursJSON) > 0 {
		if err := json.Unmarshal(hoursJSON, &b.LoginHours); err != nil {
			return nil, fmt.Errorf("failed to unmarshal login hours: %w", err)
		}
	}
	if len(daysJSON) > 0 {
		if err := json.Unmarshal(daysJSON, &b.ActiveDays); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active days: %w", err)
		}
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &b.ValueCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value counts: %w", err)
		}
	}
	return &b, nil
}
