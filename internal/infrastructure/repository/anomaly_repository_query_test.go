package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
)

func TestSanitizeOrderBy(t *testing.T) {
	tests := []struct {
		name    string
		orderBy string
		want    string
	}{
		{"empty defaults", "", "detected_at DESC"},
		{"allowed column", "severity", "severity ASC"},
		{"allowed column with direction", "score DESC", "score DESC"},
		{"lowercase direction normalized", "score desc", "score DESC"},
		{"unknown column rejected", "evil_column", "detected_at DESC"},
		{"injection attempt rejected", "id; DROP TABLE anomalies", "detected_at DESC"},
		{"bad direction rejected", "id SIDEWAYS", "detected_at DESC"},
		{"too many parts rejected", "id ASC NULLS LAST", "detected_at DESC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeOrderBy(tt.orderBy))
		})
	}
}

func TestSeverityLabelsAtOrAbove(t *testing.T) {
	assert.Equal(t,
		[]string{"medium", "high", "critical"},
		severityLabelsAtOrAbove(anomaly.SeverityMedium))
	assert.Equal(t,
		[]string{"critical"},
		severityLabelsAtOrAbove(anomaly.SeverityCritical))
	assert.Equal(t,
		[]string{"info", "low", "medium", "high", "critical"},
		severityLabelsAtOrAbove(anomaly.SeverityInfo))
}

func TestNullIfEmpty(t *testing.T) {
	assert.False(t, nullIfEmpty("").Valid)
	v := nullIfEmpty("analyst@example.com")
	assert.True(t, v.Valid)
	assert.Equal(t, "analyst@example.com", v.String)
}
