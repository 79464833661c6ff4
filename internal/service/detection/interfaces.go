package detection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// Service defines the anomaly detection engine interface
type Service interface {
	// ProcessSnapshot runs all detectors against one telemetry sample and
	// persists the surviving anomalies
	ProcessSnapshot(ctx context.Context, snap *device.Snapshot) ([]*anomaly.Anomaly, error)
	// ProcessBatch processes samples for many devices concurrently
	ProcessBatch(ctx context.Context, snapshots []*device.Snapshot) (*BatchResult, error)
	// Confirm marks an anomaly as a verified true positive
	Confirm(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error)
	// MarkFalsePositive dismisses an anomaly
	MarkFalsePositive(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error)
	// Resolve closes an anomaly with a resolver identity and optional notes
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) (*anomaly.Anomaly, error)
	// Stats returns the engine's running counters
	Stats(ctx context.Context) (*EngineStats, error)
	// Summary aggregates persisted anomalies since a point in time
	Summary(ctx context.Context, since time.Time) (*Summary, error)
}

// Detector is a single detection strategy run by the engine
type Detector interface {
	// Name identifies the detector in logs and metrics
	Name() string
	// Detect evaluates one sample and returns candidate anomalies.
	// A detector that cannot run yet returns a detector-unavailable
	// error; the engine skips it without failing the sample.
	Detect(ctx context.Context, snap *device.Snapshot) ([]Candidate, error)
}

// BaselineSource supplies the active behavioral snapshots for a device
type BaselineSource interface {
	// ActiveBaseline returns the device's current baseline for one category
	ActiveBaseline(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error)
	// ActiveProfile returns the device's current behavioral profile
	ActiveProfile(ctx context.Context, deviceID string) (*behavior.Profile, error)
	// RequestBaselineRebuild schedules an asynchronous baseline build.
	// Rebuild requests for a device already being built are coalesced.
	RequestBaselineRebuild(deviceID string)
}

// Candidate is a detector finding before deduplication and persistence
type Candidate struct {
	Type          anomaly.Type
	Method        anomaly.Method
	Severity      anomaly.Severity
	Title         string
	Feature       string
	Confidence    float64 // 0.0 - 1.0
	Score         float64 // 0.0 - 100.0
	ObservedValue float64
	ExpectedValue float64
	Deviation     float64 // signed magnitude of the deviation, z-score for statistical findings
	Description   string
}

// BatchResult summarizes one ProcessBatch call
type BatchResult struct {
	SamplesProcessed int
	DevicesSeen      int
	Anomalies        map[string][]*anomaly.Anomaly // device id -> findings
	Failed           map[string]error              // device id -> first error
}

// EngineStats is the engine's running counters since start
type EngineStats struct {
	SamplesProcessed     int64            `json:"samples_processed"`
	AnomaliesDetected    int64            `json:"anomalies_detected"`
	DetectionRate        float64          `json:"detection_rate"`
	CandidatesByDetector map[string]int64 `json:"candidates_by_detector"`
	DuplicatesDiscarded  int64            `json:"duplicates_discarded"`
	Confirmed            int64            `json:"confirmed"`
	FalsePositives       int64            `json:"false_positives"`
	FalsePositiveRate    float64          `json:"false_positive_rate"`
	Resolved             int64            `json:"resolved"`
}

// Summary aggregates persisted anomalies over a window
type Summary struct {
	Since         time.Time      `json:"since"`
	Total         int            `json:"total"`
	BySeverity    map[string]int `json:"by_severity"`
	ByType        map[string]int `json:"by_type"`
	ByDisposition map[string]int `json:"by_disposition"`
}
