package anomaly

import (
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/google/uuid"
)

// Severity grades how urgent an anomaly is
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Score maps a severity to its base anomaly score
func (s Severity) Score() float64 {
	switch s {
	case SeverityInfo:
		return 20
	case SeverityLow:
		return 40
	case SeverityMedium:
		return 60
	case SeverityHigh:
		return 80
	case SeverityCritical:
		return 95
	default:
		return 0
	}
}

// ParseSeverity converts a stored severity label back to its enum
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Type classifies what kind of deviation was observed
type Type string

const (
	TypeStatisticalDeviation Type = "statistical_deviation"
	TypeBehavioralOutlier    Type = "behavioral_outlier"
	TypeSecurityPosture      Type = "security_posture"
	TypeAuthentication       Type = "authentication"
	TypeNetwork              Type = "network"
	TypeProcess              Type = "process"
	TypeResource             Type = "resource"
	TypeTiming               Type = "timing"
)

// Method records which detector produced the anomaly
type Method string

const (
	MethodRuleBased   Method = "rule_based"
	MethodStatistical Method = "statistical"
	MethodMLModel     Method = "ml_model"
)

// Disposition tracks the analyst lifecycle of an anomaly
type Disposition int

const (
	DispositionOpen Disposition = iota
	DispositionConfirmed
	DispositionFalsePositive
	DispositionResolved
)

func (d Disposition) String() string {
	switch d {
	case DispositionOpen:
		return "open"
	case DispositionConfirmed:
		return "confirmed"
	case DispositionFalsePositive:
		return "false_positive"
	case DispositionResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ParseDisposition converts a stored disposition label back to its enum
func ParseDisposition(s string) Disposition {
	switch s {
	case "confirmed":
		return DispositionConfirmed
	case "false_positive":
		return DispositionFalsePositive
	case "resolved":
		return DispositionResolved
	default:
		return DispositionOpen
	}
}

// Anomaly is a persisted detection finding for a device
type Anomaly struct {
	ID              uuid.UUID        `json:"id"`
	DeviceID        string           `json:"device_id"`
	Type            Type             `json:"type"`
	Method          Method           `json:"method"`
	Severity        Severity         `json:"severity"`
	Title           string           `json:"title"`
	Feature         string           `json:"feature,omitempty"`
	Confidence      float64          `json:"confidence"`
	Score           float64          `json:"score"`
	ObservedValue   float64          `json:"observed_value"`
	ExpectedValue   float64          `json:"expected_value"`
	Deviation       float64          `json:"deviation"`
	Description     string           `json:"description"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Snapshot        *device.Snapshot `json:"snapshot,omitempty"`
	Disposition     Disposition      `json:"disposition"`
	Alerted         bool             `json:"alerted"`
	AlertedAt       *time.Time       `json:"alerted_at,omitempty"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	DetectedAt      time.Time        `json:"detected_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// New creates an anomaly in the open disposition
func New(deviceID string, typ Type, method Method, severity Severity, confidence, score float64) (*Anomaly, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError("INVALID_DEVICE_ID", "device id is required")
	}
	if confidence < 0 || confidence > 1 {
		return nil, errors.NewValidationError("INVALID_CONFIDENCE", "confidence must be between 0 and 1")
	}
	if score < 0 || score > 100 {
		return nil, errors.NewValidationError("INVALID_SCORE", "score must be between 0 and 100")
	}
	now := clock.Now()
	return &Anomaly{
		ID:          uuid.New(),
		DeviceID:    deviceID,
		Type:        typ,
		Method:      method,
		Severity:    severity,
		Confidence:  confidence,
		Score:       score,
		Disposition: DispositionOpen,
		DetectedAt:  now,
		UpdatedAt:   now,
	}, nil
}

// Confirm marks an open anomaly as a verified true positive
func (a *Anomaly) Confirm() error {
	if a.Disposition != DispositionOpen {
		return errors.NewInvalidDispositionError(a.Disposition.String(), DispositionConfirmed.String())
	}
	a.Disposition = DispositionConfirmed
	a.UpdatedAt = clock.Now()
	return nil
}

// MarkFalsePositive dismisses an anomaly. Analysts can walk back a
// confirmation, so both open and confirmed anomalies qualify.
func (a *Anomaly) MarkFalsePositive() error {
	if a.Disposition != DispositionOpen && a.Disposition != DispositionConfirmed {
		return errors.NewInvalidDispositionError(a.Disposition.String(), DispositionFalsePositive.String())
	}
	a.Disposition = DispositionFalsePositive
	a.UpdatedAt = clock.Now()
	return nil
}

// Resolve closes the anomaly. The resolver identity is mandatory. Open,
// confirmed and false-positive anomalies can be resolved; resolving twice
// is rejected.
func (a *Anomaly) Resolve(resolvedBy, notes string) error {
	if resolvedBy == "" {
		return errors.NewValidationError("INVALID_RESOLVER", "resolver identity is required")
	}
	if a.Disposition == DispositionResolved {
		return errors.NewInvalidDispositionError(a.Disposition.String(), DispositionResolved.String())
	}
	now := clock.Now()
	a.Disposition = DispositionResolved
	a.ResolvedBy = resolvedBy
	a.ResolutionNotes = notes
	a.ResolvedAt = &now
	a.UpdatedAt = now
	return nil
}

// MarkAlerted records a confirmed notification delivery
func (a *Anomaly) MarkAlerted() {
	now := clock.Now()
	a.Alerted = true
	a.AlertedAt = &now
	a.UpdatedAt = now
}

// Alertable reports whether the anomaly still qualifies for notification
func (a *Anomaly) Alertable() bool {
	if a.Alerted {
		return false
	}
	if a.Disposition == DispositionFalsePositive || a.Disposition == DispositionResolved {
		return false
	}
	return a.Severity >= SeverityMedium
}
