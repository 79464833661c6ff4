package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// anomalyRepository implements AnomalyRepository using PostgreSQL
type anomalyRepository struct {
	db DB
}

// NewAnomalyRepository creates a new anomaly repository
func NewAnomalyRepository(db DB) AnomalyRepository {
	return &anomalyRepository{db: db}
}

const anomalyColumns = `
	id, device_id, type, method, severity, disposition, title, feature,
	confidence, score, observed_value, expected_value, deviation, description,
	recommendations, snapshot, alerted, alerted_at,
	resolved_by, resolution_notes, detected_at, updated_at, resolved_at
`

// Create inserts a new anomaly into the database
func (r *anomalyRepository) Create(ctx context.Context, a *anomaly.Anomaly) error {
	if a.DeviceID == "" {
		return ErrInvalidInput
	}

	recommendationsJSON, err := json.Marshal(a.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	var snapshotJSON []byte
	if a.Snapshot != nil {
		snapshotJSON, err = json.Marshal(a.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
	}

	query := `
		INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.DeviceID, string(a.Type), string(a.Method), a.Severity.String(), a.Disposition.String(), a.Title, a.Feature,
		a.Confidence, a.Score, a.ObservedValue, a.ExpectedValue, a.Deviation, a.Description,
		recommendationsJSON, snapshotJSON, a.Alerted, a.AlertedAt,
		nullIfEmpty(a.ResolvedBy), nullIfEmpty(a.ResolutionNotes), a.DetectedAt, a.UpdatedAt, a.ResolvedAt,
	)
	if err != nil {
		if IsDuplicateKeyViolation(err) {
			return fmt.Errorf("duplicate key: anomaly with ID %s already exists", a.ID)
		}
		return fmt.Errorf("failed to create anomaly: %w", err)
	}

	return nil
}

// GetByID retrieves an anomaly by its ID
func (r *anomalyRepository) GetByID(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	a, err := scanAnomaly(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return a, nil
}

// Update persists disposition and alert state changes
func (r *anomalyRepository) Update(ctx context.Context, a *anomaly.Anomaly) error {
	query := `
		UPDATE anomalies SET
			disposition = $2,
			alerted = $3,
			alerted_at = $4,
			resolved_by = $5,
			resolution_notes = $6,
			updated_at = $7,
			resolved_at = $8
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		a.ID, a.Disposition.String(), a.Alerted, a.AlertedAt,
		nullIfEmpty(a.ResolvedBy), nullIfEmpty(a.ResolutionNotes), a.UpdatedAt, a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update anomaly: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns anomalies matching the filter criteria
func (r *anomalyRepository) List(ctx context.Context, filter AnomalyFilter) ([]*anomaly.Anomaly, error) {
	var conditions []string
	var args []interface{}
	argCount := 0

	if filter.DeviceID != "" {
		argCount++
		conditions = append(conditions, fmt.Sprintf("device_id = $%d", argCount))
		args = append(args, filter.DeviceID)
	}

	if filter.Severity != nil {
		argCount++
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argCount))
		args = append(args, filter.Severity.String())
	}

	if filter.MinSeverity != nil {
		// severities are stored as labels; expand the qualifying set
		labels := severityLabelsAtOrAbove(*filter.MinSeverity)
		placeholders := make([]string, 0, len(labels))
		for _, l := range labels {
			argCount++
			placeholders = append(placeholders, fmt.Sprintf("$%d", argCount))
			args = append(args, l)
		}
		conditions = append(conditions, "severity IN ("+strings.Join(placeholders, ", ")+")")
	}

	if filter.Disposition != nil {
		argCount++
		conditions = append(conditions, fmt.Sprintf("disposition = $%d", argCount))
		args = append(args, filter.Disposition.String())
	}

	if filter.Unalerted {
		conditions = append(conditions, "alerted = FALSE")
	}

	if filter.Since != nil {
		argCount++
		conditions = append(conditions, fmt.Sprintf("detected_at >= $%d", argCount))
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY " + sanitizeOrderBy(filter.OrderBy)

	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []*anomaly.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// CountBySeverity aggregates anomalies by severity since a point in time
func (r *anomalyRepository) CountBySeverity(ctx context.Context, since time.Time) (map[string]int, error) {
	return r.countBy(ctx, "severity", since)
}

// CountByType aggregates anomalies by type since a point in time
func (r *anomalyRepository) CountByType(ctx context.Context, since time.Time) (map[string]int, error) {
	return r.countBy(ctx, "type", since)
}

// CountByDisposition aggregates anomalies by lifecycle state
func (r *anomalyRepository) CountByDisposition(ctx context.Context) (map[string]int, error) {
	query := `SELECT disposition, COUNT(*) FROM anomalies GROUP BY disposition`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (r *anomalyRepository) countBy(ctx context.Context, column string, since time.Time) (map[string]int, error) {
	// column is caller-controlled within this file only
	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM anomalies WHERE detected_at >= $1 GROUP BY %s`, column, column)
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// scanAnomaly converts a database row into an anomaly entity
func scanAnomaly(row interface{ Scan(dest ...interface{}) error }) (*anomaly.Anomaly, error) {
	var a anomaly.Anomaly
	var typeStr, methodStr, severityStr, dispositionStr string
	var title, feature, resolvedBy, resolutionNotes sql.NullString
	var recommendationsJSON, snapshotJSON []byte

	err := row.Scan(
		&a.ID, &a.DeviceID, &typeStr, &methodStr, &severityStr, &dispositionStr, &title, &feature,
		&a.Confidence, &a.Score, &a.ObservedValue, &a.ExpectedValue, &a.Deviation, &a.Description,
		&recommendationsJSON, &snapshotJSON, &a.Alerted, &a.AlertedAt,
		&resolvedBy, &resolutionNotes, &a.DetectedAt, &a.UpdatedAt, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Type = anomaly.Type(typeStr)
	a.Method = anomaly.Method(methodStr)
	a.Severity = anomaly.ParseSeverity(severityStr)
	a.Disposition = anomaly.ParseDisposition(dispositionStr)
	if title.Valid {
		a.Title = title.String
	}
	if feature.Valid {
		a.Feature = feature.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = resolvedBy.String
	}
	if resolutionNotes.Valid {
		a.ResolutionNotes = resolutionNotes.String
	}

	if len(recommendationsJSON) > 0 {
		if err := json.Unmarshal(recommendationsJSON, &a.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
	}
	if len(snapshotJSON) > 0 {
		var snap device.Snapshot
		if err := json.Unmarshal(snapshotJSON, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		a.Snapshot = &snap
	}

	return &a, nil
}

// severityLabelsAtOrAbove expands a minimum severity into its label set
func severityLabelsAtOrAbove(min anomaly.Severity) []string {
	var labels []string
	for s := min; s <= anomaly.SeverityCritical; s++ {
		labels = append(labels, s.String())
	}
	return labels
}

// sanitizeOrderBy validates the ORDER BY clause to prevent SQL injection
func sanitizeOrderBy(orderBy string) string {
	const defaultOrder = "detected_at DESC"

	allowedColumns := map[string]bool{
		"id":          true,
		"device_id":   true,
		"type":        true,
		"severity":    true,
		"disposition": true,
		"confidence":  true,
		"score":       true,
		"detected_at": true,
		"updated_at":  true,
	}
	allowedDirections := map[string]bool{
		"ASC":  true,
		"DESC": true,
	}

	if orderBy == "" {
		return defaultOrder
	}

	parts := strings.Fields(orderBy)
	if len(parts) == 0 || len(parts) > 2 {
		return defaultOrder
	}
	column := strings.ToLower(parts[0])
	if !allowedColumns[column] {
		return defaultOrder
	}
	direction := "ASC"
	if len(parts) == 2 {
		direction = strings.ToUpper(parts[1])
		if !allowedDirections[direction] {
			return defaultOrder
		}
	}
	return column + " " + direction
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
