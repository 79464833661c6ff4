package detection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

// OutlierDetector scores samples against a per-device model of feature
// deviations. The model is calibrated so that roughly the contamination
// fraction of its own training window scores at or above the alert
// threshold.
type OutlierDetector struct {
	mu            sync.RWMutex
	models        map[string]*outlierModel
	threshold     float64
	contamination float64
}

type outlierModel struct {
	means       []float64
	stdDevs     []float64
	calibration float64 // raw score at the (1 - contamination) training quantile
	sampleCount int
}

// NewOutlierDetector constructs the detector. Zero parameters fall back to
// the defaults.
func NewOutlierDetector(threshold, contamination float64) *OutlierDetector {
	if threshold <= 0 {
		threshold = DefaultOutlierThreshold
	}
	if contamination <= 0 || contamination >= 1 {
		contamination = DefaultContamination
	}
	return &OutlierDetector{
		models:        make(map[string]*outlierModel),
		threshold:     threshold,
		contamination: contamination,
	}
}

func (d *OutlierDetector) Name() string {
	return DetectorOutlier
}

// Train fits a model for the device from a window of historical samples.
// Retraining replaces the previous model atomically.
func (d *OutlierDetector) Train(deviceID string, window []*device.Snapshot) error {
	if deviceID == "" {
		return errors.NewValidationError("INVALID_DEVICE_ID", "device id is required")
	}
	if len(window) < MinTrainingSamples {
		return errors.NewInsufficientDataError(deviceID, len(window), MinTrainingSamples)
	}

	vectors := make([][]float64, len(window))
	for i, snap := range window {
		vectors[i] = extractFeatures(snap)
	}

	model := &outlierModel{
		means:       make([]float64, NumFeatures),
		stdDevs:     make([]float64, NumFeatures),
		sampleCount: len(window),
	}
	for j := 0; j < NumFeatures; j++ {
		col := make([]float64, len(vectors))
		for i := range vectors {
			col[i] = vectors[i][j]
		}
		model.means[j] = mean(col)
		model.stdDevs[j] = stdDev(col, model.means[j])
	}

	// Score the training window against itself and pick the calibration
	// point so that ~contamination of training samples land at or above
	// the alert threshold.
	raw := make([]float64, len(vectors))
	for i := range vectors {
		raw[i] = model.rawScore(vectors[i])
	}
	sort.Float64s(raw)
	idx := int(math.Ceil(float64(len(raw))*(1-d.contamination))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(raw) {
		idx = len(raw) - 1
	}
	model.calibration = raw[idx]
	if model.calibration <= 0 {
		// A perfectly uniform window. Any deviation at all is novel.
		model.calibration = 1e-9
	}

	d.mu.Lock()
	d.models[deviceID] = model
	d.mu.Unlock()
	return nil
}

// Trained reports whether a model exists for the device
func (d *OutlierDetector) Trained(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.models[deviceID]
	return ok
}

func (d *OutlierDetector) Detect(_ context.Context, snap *device.Snapshot) ([]Candidate, error) {
	d.mu.RLock()
	model, ok := d.models[snap.DeviceID]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.NewDetectorUnavailableError(d.Name(), "no trained model for device")
	}

	score := model.score(extractFeatures(snap), d.threshold)
	if score < d.threshold {
		return nil, nil
	}
	return []Candidate{{
		Type:        anomaly.TypeBehavioralOutlier,
		Method:      anomaly.MethodMLModel,
		Severity:    outlierSeverity(score),
		Title:       "Behavioral outlier",
		Feature:     "feature_vector",
		Confidence:  OutlierConfidence,
		Score:       score * 100,
		Deviation:   score,
		Description: fmt.Sprintf("sample scored %.2f against the device outlier model (alert threshold %.2f)", score, d.threshold),
	}}, nil
}

// rawScore is the mean per-feature absolute deviation, each normalized by
// that feature's training spread. Constant features contribute nothing.
func (m *outlierModel) rawScore(v []float64) float64 {
	var sum float64
	var counted int
	for j := range v {
		if m.stdDevs[j] <= 0 {
			continue
		}
		sum += math.Abs(v[j]-m.means[j]) / m.stdDevs[j]
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

// score maps a raw deviation onto [0, 1], anchored so that a sample at the
// calibration point lands exactly on the alert threshold
func (m *outlierModel) score(v []float64, threshold float64) float64 {
	raw := m.rawScore(v)
	s := threshold * raw / m.calibration
	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
}

func outlierSeverity(score float64) anomaly.Severity {
	switch {
	case score >= OutlierCriticalThreshold:
		return anomaly.SeverityCritical
	case score >= OutlierHighThreshold:
		return anomaly.SeverityHigh
	default:
		return anomaly.SeverityMedium
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
