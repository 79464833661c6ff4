package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
)

// profileRepository implements ProfileRepository using PostgreSQL
type profileRepository struct {
	db DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db DB) ProfileRepository {
	return &profileRepository{db: db}
}

// Upsert replaces the device's profile atomically
func (r *profileRepository) Upsert(ctx context.Context, p *behavior.Profile) error {
	if p.DeviceID == "" {
		return ErrInvalidInput
	}

	hoursJSON, err := json.Marshal(p.TypicalLoginHours)
	if err != nil {
		return fmt.Errorf("failed to marshal login hours: %w", err)
	}
	daysJSON, err := json.Marshal(p.TypicalDays)
	if err != nil {
		return fmt.Errorf("failed to marshal days: %w", err)
	}
	networksJSON, err := json.Marshal(p.KnownNetworks)
	if err != nil {
		return fmt.Errorf("failed to marshal networks: %w", err)
	}
	processesJSON, err := json.Marshal(p.CommonProcesses)
	if err != nil {
		return fmt.Errorf("failed to marshal processes: %w", err)
	}

	query := `
		INSERT INTO behavior_profiles (
			device_id, typical_login_hours, typical_days, known_networks,
			common_processes, behavioral_diversity, regularity_score,
			risk_appetite, vpn_usage_rate, window_days, sample_count,
			confidence, is_complete, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (device_id) DO UPDATE SET
			typical_login_hours = EXCLUDED.typical_login_hours,
			typical_days = EXCLUDED.typical_days,
			known_networks = EXCLUDED.known_networks,
			common_processes = EXCLUDED.common_processes,
			behavioral_diversity = EXCLUDED.behavioral_diversity,
			regularity_score = EXCLUDED.regularity_score,
			risk_appetite = EXCLUDED.risk_appetite,
			vpn_usage_rate = EXCLUDED.vpn_usage_rate,
			window_days = EXCLUDED.window_days,
			sample_count = EXCLUDED.sample_count,
			confidence = EXCLUDED.confidence,
			is_complete = EXCLUDED.is_complete,
			computed_at = EXCLUDED.computed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		p.DeviceID, hoursJSON, daysJSON, networksJSON,
		processesJSON, p.BehavioralDiversity, p.RegularityScore,
		p.RiskAppetite, p.VPNUsageRate, p.WindowDays, p.SampleCount,
		p.Confidence, p.IsComplete, p.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// GetByDevice retrieves the current profile for a device
func (r *profileRepository) GetByDevice(ctx context.Context, deviceID string) (*behavior.Profile, error) {
	query := `
		SELECT device_id, typical_login_hours, typical_days, known_networks,
		       common_processes, behavioral_diversity, regularity_score,
		       risk_appetite, vpn_usage_rate, window_days, sample_count,
		       confidence, is_complete, computed_at
		FROM behavior_profiles
		WHERE device_id = $1
	`

	var p behavior.Profile
	var hoursJSON, daysJSON, networksJSON, processesJSON []byte

	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&p.DeviceID, &hoursJSON, &daysJSON, &networksJSON,
		&processesJSON, &p.BehavioralDiversity, &p.RegularityScore,
		&p.RiskAppetite, &p.VPNUsageRate, &p.WindowDays, &p.SampleCount,
		&p.Confidence, &p.IsComplete, &p.ComputedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if err := json.Unmarshal(hoursJSON, &p.TypicalLoginHours); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login hours: %w", err)
	}
	if err := json.Unmarshal(daysJSON, &p.TypicalDays); err != nil {
		return nil, fmt.Errorf("failed to unmarshal days: %w", err)
	}
	if err := json.Unmarshal(networksJSON, &p.KnownNetworks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal networks: %w", err)
	}
	if err := json.Unmarshal(processesJSON, &p.CommonProcesses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processes: %w", err)
	}
	return &p, nil
}
