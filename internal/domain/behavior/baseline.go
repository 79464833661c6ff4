package behavior

import (
	"math"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

// MinBaselineSamples is the floor below which no baseline is computed
const MinBaselineSamples = 10

// FeatureBaseline is the statistical summary of one scalar feature
type FeatureBaseline struct {
	Feature     string  `json:"feature"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	P25         float64 `json:"p25"`
	P50         float64 `json:"p50"`
	P75         float64 `json:"p75"`
	P95         float64 `json:"p95"`
	P99         float64 `json:"p99"`
	SampleCount int     `json:"sample_count"`
}

// ZScore returns the standard score of an observation against this feature.
// A degenerate baseline (zero spread) reports ok=false and must be skipped.
func (f FeatureBaseline) ZScore(observed float64) (float64, bool) {
	if f.StdDev == 0 {
		return 0, false
	}
	return (observed - f.Mean) / f.StdDev, true
}

// Baseline is an immutable statistical snapshot of one (device, category)
// pair over a rolling window. Rebuilds produce a new Baseline; holders of an
// old pointer keep a consistent view.
type Baseline struct {
	DeviceID    string                     `json:"device_id"`
	Category    Category                   `json:"category"`
	Features    map[string]FeatureBaseline `json:"features"`
	LoginHours  map[int]float64            `json:"login_hours"`
	ActiveDays  map[int]float64            `json:"active_days"`
	ValueCounts map[string]map[string]int  `json:"value_counts,omitempty"`
	WindowDays  int                        `json:"window_days"`
	SampleCount int                        `json:"sample_count"`
	Confidence  float64                    `json:"confidence"`
	ComputedAt  time.Time                  `json:"computed_at"`
}

// BaselineObservations is the raw material for one category baseline:
// per-feature value series, hour and weekday histograms and frequency
// tables for the category's categorical fields
type BaselineObservations struct {
	Series      map[string][]float64
	HourCounts  map[int]int
	DayCounts   map[int]int
	ValueCounts map[string]map[string]int
	SampleCount int
}

// ComputeBaseline builds a category baseline from windowed observations.
// The computation is refused only when the category itself has too few
// samples; a single short feature series is dropped, not fatal, since an
// agent may have started reporting a feature partway through the window.
func ComputeBaseline(deviceID string, category Category, obs BaselineObservations, windowDays int, now time.Time) (*Baseline, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError("INVALID_DEVICE_ID", "device id is required")
	}
	if _, ok := ParseCategory(string(category)); !ok {
		return nil, errors.NewValidationError("INVALID_CATEGORY", "unknown baseline category: "+string(category))
	}

	sampleCount := obs.SampleCount
	for _, values := range obs.Series {
		if len(values) > sampleCount {
			sampleCount = len(values)
		}
	}
	if sampleCount < MinBaselineSamples {
		return nil, errors.NewInsufficientDataError(deviceID, sampleCount, MinBaselineSamples)
	}

	features := make(map[string]FeatureBaseline, len(obs.Series))
	for name, values := range obs.Series {
		if len(values) < MinBaselineSamples {
			continue
		}
		features[name] = summarize(name, values)
	}

	return &Baseline{
		DeviceID:    deviceID,
		Category:    category,
		Features:    features,
		LoginHours:  normalizeCounts(obs.HourCounts),
		ActiveDays:  normalizeCounts(obs.DayCounts),
		ValueCounts: obs.ValueCounts,
		WindowDays:  windowDays,
		SampleCount: sampleCount,
		Confidence:  baselineConfidence(sampleCount),
		ComputedAt:  now.UTC(),
	}, nil
}

// normalizeCounts converts a histogram into per-bucket shares
func normalizeCounts(counts map[int]int) map[int]float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	shares := make(map[int]float64, len(counts))
	if total == 0 {
		return shares
	}
	for k, c := range counts {
		shares[k] = float64(c) / float64(total)
	}
	return shares
}

func summarize(name string, values []float64) FeatureBaseline {
	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return FeatureBaseline{
		Feature:     name,
		Mean:        Mean(values),
		StdDev:      StdDev(values),
		Min:         minV,
		Max:         maxV,
		P25:         Percentile(values, 25),
		P50:         Percentile(values, 50),
		P75:         Percentile(values, 75),
		P95:         Percentile(values, 95),
		P99:         Percentile(values, 99),
		SampleCount: len(values),
	}
}

// baselineConfidence scores how trustworthy a baseline is on a 0-100 scale.
// It climbs with the window size and saturates around 350 samples.
func baselineConfidence(n int) float64 {
	switch {
	case n < 50:
		return 50
	case n < 100:
		return 75
	default:
		return math.Min(100, 75+float64(n-100)/10)
	}
}

// Feature returns the named feature summary if the baseline tracks it
func (b *Baseline) Feature(name string) (FeatureBaseline, bool) {
	f, ok := b.Features[name]
	return f, ok
}

// HourProbability returns the historical share of samples seen in the given
// hour of day, 0 when the hour was never observed
func (b *Baseline) HourProbability(hour int) float64 {
	return b.LoginHours[hour]
}

// DayProbability returns the historical share of samples seen on the given
// weekday, 0 when the day was never observed
func (b *Baseline) DayProbability(day int) float64 {
	return b.ActiveDays[day]
}
