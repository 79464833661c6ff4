package behavior_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

func constantSeries(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func obsWithSeries(series map[string][]float64) behavior.BaselineObservations {
	return behavior.BaselineObservations{Series: series}
}

func TestComputeBaseline(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("summarizes features", func(t *testing.T) {
		obs := behavior.BaselineObservations{
			Series: map[string][]float64{
				"cpu_percent": {10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			HourCounts: map[int]int{9: 8, 10: 2},
			DayCounts:  map[int]int{1: 6, 2: 4},
		}
		b, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obs, 30, now)
		require.NoError(t, err)
		assert.Equal(t, behavior.CategorySystem, b.Category)

		f, ok := b.Feature("cpu_percent")
		require.True(t, ok)
		assert.InDelta(t, 55.0, f.Mean, 0.001)
		assert.Equal(t, 10.0, f.Min)
		assert.Equal(t, 100.0, f.Max)
		assert.InDelta(t, 55.0, f.P50, 0.001)
		assert.InDelta(t, 32.5, f.P25, 0.001)
		assert.InDelta(t, 77.5, f.P75, 0.001)
		assert.Equal(t, 10, f.SampleCount)

		assert.InDelta(t, 0.8, b.HourProbability(9), 0.001)
		assert.InDelta(t, 0.2, b.HourProbability(10), 0.001)
		assert.Zero(t, b.HourProbability(3))
		assert.InDelta(t, 0.6, b.DayProbability(1), 0.001)
		assert.Zero(t, b.DayProbability(0))
		assert.Equal(t, now, b.ComputedAt)
	})

	t.Run("refuses short category window", func(t *testing.T) {
		obs := obsWithSeries(map[string][]float64{
			"cpu_percent": constantSeries(50, 9),
		})
		_, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obs, 30, now)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInsufficientData))
		assert.True(t, errors.IsRetryable(err))
	})

	t.Run("refuses empty input", func(t *testing.T) {
		_, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obsWithSeries(map[string][]float64{}), 30, now)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInsufficientData))
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		obs := obsWithSeries(map[string][]float64{"cpu_percent": constantSeries(50, 20)})
		_, err := behavior.ComputeBaseline("mac-001", behavior.Category("bogus"), obs, 30, now)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("drops short series without refusing the baseline", func(t *testing.T) {
		obs := obsWithSeries(map[string][]float64{
			"cpu_percent":    {12, 15, 18, 22, 25, 28, 31, 35, 38, 42, 45, 48},
			"memory_percent": {60, 61, 62},
		})
		b, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obs, 30, now)
		require.NoError(t, err)

		_, ok := b.Feature("cpu_percent")
		assert.True(t, ok)
		_, ok = b.Feature("memory_percent")
		assert.False(t, ok, "a feature reported for only part of the window is skipped")
		assert.Equal(t, 12, b.SampleCount)
	})

	t.Run("carries categorical frequency tables", func(t *testing.T) {
		obs := behavior.BaselineObservations{
			Series: map[string][]float64{
				"active_connections": constantSeries(12, 20),
			},
			ValueCounts: map[string]map[string]int{
				"network_ssid": {"CorpNet": 18, "HomeWiFi": 2},
			},
		}
		b, err := behavior.ComputeBaseline("mac-001", behavior.CategoryNetwork, obs, 30, now)
		require.NoError(t, err)
		assert.Equal(t, 18, b.ValueCounts["network_ssid"]["CorpNet"])
	})

	t.Run("idempotent over identical windows", func(t *testing.T) {
		obs := behavior.BaselineObservations{
			Series: map[string][]float64{
				"cpu_percent":   {12, 15, 18, 22, 25, 28, 31, 35, 38, 42, 45, 48},
				"process_count": {80, 82, 84, 86, 88, 90, 92, 94, 96, 98, 100, 102},
			},
			HourCounts: map[int]int{9: 6, 14: 4, 22: 2},
		}

		b1, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obs, 30, now)
		require.NoError(t, err)
		b2, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obs, 30, now)
		require.NoError(t, err)
		assert.Equal(t, b1, b2)
	})
}

func TestParseCategory(t *testing.T) {
	for _, cat := range behavior.Categories() {
		parsed, ok := behavior.ParseCategory(string(cat))
		require.True(t, ok, cat)
		assert.Equal(t, cat, parsed)
		assert.NotEmpty(t, cat.Features())
	}
	_, ok := behavior.ParseCategory("filesystem")
	assert.False(t, ok)
}

func TestBaselineConfidence(t *testing.T) {
	now := time.Now().UTC()
	mk := func(t *testing.T, n int) *behavior.Baseline {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = float64(i % 30)
		}
		b, err := behavior.ComputeBaseline("mac-001", behavior.CategorySystem, obsWithSeries(map[string][]float64{"cpu_percent": vals}), 30, now)
		require.NoError(t, err)
		return b
	}

	assert.Equal(t, 50.0, mk(t, 20).Confidence)
	assert.Equal(t, 50.0, mk(t, 49).Confidence)
	assert.Equal(t, 75.0, mk(t, 50).Confidence)
	assert.Equal(t, 75.0, mk(t, 99).Confidence)
	assert.InDelta(t, 85.0, mk(t, 200).Confidence, 0.001)
	assert.Equal(t, 100.0, mk(t, 400).Confidence)
	assert.Equal(t, 100.0, mk(t, 1000).Confidence)
}

func TestFeatureBaseline_ZScore(t *testing.T) {
	f := behavior.FeatureBaseline{Feature: "cpu_percent", Mean: 20, StdDev: 3}

	z, ok := f.ZScore(150)
	require.True(t, ok)
	assert.InDelta(t, 43.33, z, 0.01)

	z, ok = f.ZScore(14)
	require.True(t, ok)
	assert.InDelta(t, -2.0, z, 0.001)

	degenerate := behavior.FeatureBaseline{Feature: "process_count", Mean: 90, StdDev: 0}
	_, ok = degenerate.ZScore(95)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	t.Run("mean and stddev", func(t *testing.T) {
		vals := []float64{2, 4, 4, 4, 5, 5, 7, 9}
		assert.InDelta(t, 5.0, behavior.Mean(vals), 0.001)
		assert.InDelta(t, 2.0, behavior.StdDev(vals), 0.001)
	})

	t.Run("constant series has zero spread", func(t *testing.T) {
		assert.Zero(t, behavior.StdDev(constantSeries(42, 15)))
	})

	t.Run("percentile interpolation", func(t *testing.T) {
		vals := []float64{1, 2, 3, 4}
		assert.InDelta(t, 2.5, behavior.Percentile(vals, 50), 0.001)
		assert.Equal(t, 1.0, behavior.Percentile(vals, 0))
		assert.Equal(t, 4.0, behavior.Percentile(vals, 100))
	})

	t.Run("entropy of uniform distribution", func(t *testing.T) {
		counts := map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}
		assert.InDelta(t, 2.0, behavior.ShannonEntropy(counts), 0.001)
	})

	t.Run("entropy of single value is zero", func(t *testing.T) {
		assert.Zero(t, behavior.ShannonEntropy(map[string]int{"only": 100}))
	})
}
