package detection

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

// StatisticalDetector compares each scalar feature of a sample against the
// device's per-category baseline distributions and flags large z-score
// deviations. It also checks the sample's collection hour against the
// authentication baseline's login-hour distribution and the network SSID
// against the behavioral profile.
type StatisticalDetector struct {
	baselines    BaselineSource
	zThreshold   float64
	rareHourProb float64
	logger       *slog.Logger
}

// NewStatisticalDetector constructs the detector. Zero thresholds fall back
// to the defaults.
func NewStatisticalDetector(baselines BaselineSource, zThreshold, rareHourProb float64, logger *slog.Logger) *StatisticalDetector {
	if zThreshold <= 0 {
		zThreshold = DefaultZScoreThreshold
	}
	if rareHourProb <= 0 {
		rareHourProb = DefaultRareHourProb
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatisticalDetector{
		baselines:    baselines,
		zThreshold:   zThreshold,
		rareHourProb: rareHourProb,
		logger:       logger,
	}
}

func (d *StatisticalDetector) Name() string {
	return DetectorStatistical
}

func (d *StatisticalDetector) Detect(ctx context.Context, snap *device.Snapshot) ([]Candidate, error) {
	var out []Candidate
	available := 0

	for _, cat := range behavior.Categories() {
		baseline, err := d.baselines.ActiveBaseline(ctx, snap.DeviceID, cat)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeInsufficientData) || errors.IsType(err, errors.ErrorTypeNotFound) {
				// This category has no baseline yet; the others still run.
				continue
			}
			return nil, err
		}
		available++

		for _, feature := range cat.Features() {
			if c := d.checkFeature(baseline, feature, snap); c != nil {
				out = append(out, *c)
			}
		}

		if cat == behavior.CategoryAuthentication {
			if c := d.checkLoginHour(baseline.HourProbability(snap.HourOfDay()), snap); c != nil {
				out = append(out, *c)
			}
		}
	}

	if available == 0 {
		// No baseline in any category. Kick off a build and let the
		// sample pass.
		d.baselines.RequestBaselineRebuild(snap.DeviceID)
		return nil, errors.NewDetectorUnavailableError(d.Name(), "no baseline for device")
	}

	if c := d.checkNetwork(ctx, snap); c != nil {
		out = append(out, *c)
	}
	return out, nil
}

func (d *StatisticalDetector) checkFeature(baseline *behavior.Baseline, feature string, snap *device.Snapshot) *Candidate {
	observed, ok := snap.Metric(feature)
	if !ok {
		// The sample did not report this feature; absence is unknown,
		// not zero.
		return nil
	}
	fb, ok := baseline.Feature(feature)
	if !ok {
		return nil
	}
	z, ok := fb.ZScore(observed)
	if !ok {
		// Degenerate distribution, stddev is zero. Skip rather than
		// flag every nonidentical value.
		return nil
	}
	if math.Abs(z) < d.zThreshold {
		return nil
	}
	return &Candidate{
		Type:          featureAnomalyType(feature),
		Method:        anomaly.MethodStatistical,
		Severity:      zScoreSeverity(z),
		Title:         fmt.Sprintf("Unusual %s", feature),
		Feature:       feature,
		Confidence:    StatisticalConfidence,
		Score:         math.Min(100, math.Abs(z)*ScorePerSigma),
		ObservedValue: observed,
		ExpectedValue: fb.Mean,
		Deviation:     z,
		Description:   fmt.Sprintf("%s is %.1f standard deviations from the baseline mean %.1f", feature, z, fb.Mean),
	}
}

// featureAnomalyType assigns each scalar feature its semantic anomaly type
// so a statistical finding and a rule finding on the same feature collapse
// to one anomaly during deduplication
func featureAnomalyType(feature string) anomaly.Type {
	switch feature {
	case device.FeatureFailedAuthCount:
		return anomaly.TypeAuthentication
	case device.FeatureActiveConnections:
		return anomaly.TypeNetwork
	case device.FeatureProcessCount:
		return anomaly.TypeProcess
	case device.FeatureCPUPercent, device.FeatureMemoryPercent, device.FeatureDiskUsagePercent:
		return anomaly.TypeResource
	}
	return anomaly.TypeStatisticalDeviation
}

// checkLoginHour flags activity during an hour the device has rarely or
// never been seen active in
func (d *StatisticalDetector) checkLoginHour(prob float64, snap *device.Snapshot) *Candidate {
	if prob >= d.rareHourProb {
		return nil
	}
	return &Candidate{
		Type:          anomaly.TypeTiming,
		Method:        anomaly.MethodStatistical,
		Severity:      anomaly.SeverityLow,
		Title:         "Activity at an unusual hour",
		Feature:       "hour_of_day",
		Confidence:    StatisticalConfidence,
		Score:         anomaly.SeverityLow.Score(),
		ObservedValue: float64(snap.HourOfDay()),
		ExpectedValue: prob,
		Description:   fmt.Sprintf("activity at hour %02d, seen in %.2f%% of baseline samples", snap.HourOfDay(), prob*100),
	}
}

// checkNetwork flags a named network the device's profile has never seen
func (d *StatisticalDetector) checkNetwork(ctx context.Context, snap *device.Snapshot) *Candidate {
	if snap.Network == nil || snap.Network.SSID == "" {
		return nil
	}
	profile, err := d.baselines.ActiveProfile(ctx, snap.DeviceID)
	if err != nil {
		// A missing profile is expected for young devices
		if !errors.IsType(err, errors.ErrorTypeInsufficientData) && !errors.IsType(err, errors.ErrorTypeNotFound) {
			d.logger.WarnContext(ctx, "profile lookup failed",
				slog.String("device_id", snap.DeviceID),
				slog.String("error", err.Error()))
		}
		return nil
	}
	if profile.KnowsNetwork(snap.Network.SSID) {
		return nil
	}
	return &Candidate{
		Type:        anomaly.TypeNetwork,
		Method:      anomaly.MethodStatistical,
		Severity:    anomaly.SeverityLow,
		Title:       "Unrecognized network",
		Feature:     "network_ssid",
		Confidence:  StatisticalConfidence,
		Score:       anomaly.SeverityLow.Score(),
		Description: fmt.Sprintf("connection to network %q not present in the device profile", snap.Network.SSID),
	}
}

func zScoreSeverity(z float64) anomaly.Severity {
	abs := math.Abs(z)
	switch {
	case abs >= ZScoreCritical:
		return anomaly.SeverityCritical
	case abs >= ZScoreHigh:
		return anomaly.SeverityHigh
	case abs >= ZScoreMedium:
		return anomaly.SeverityMedium
	default:
		return anomaly.SeverityLow
	}
}
