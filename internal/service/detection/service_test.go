package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
)

type mockAnomalyRepo struct {
	mock.Mock
}

func (m *mockAnomalyRepo) Create(ctx context.Context, a *anomaly.Anomaly) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockAnomalyRepo) GetByID(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*anomaly.Anomaly), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAnomalyRepo) Update(ctx context.Context, a *anomaly.Anomaly) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockAnomalyRepo) List(ctx context.Context, filter repository.AnomalyFilter) ([]*anomaly.Anomaly, error) {
	args := m.Called(ctx, filter)
	if v := args.Get(0); v != nil {
		return v.([]*anomaly.Anomaly), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAnomalyRepo) CountBySeverity(ctx context.Context, since time.Time) (map[string]int, error) {
	args := m.Called(ctx, since)
	if v := args.Get(0); v != nil {
		return v.(map[string]int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAnomalyRepo) CountByType(ctx context.Context, since time.Time) (map[string]int, error) {
	args := m.Called(ctx, since)
	if v := args.Get(0); v != nil {
		return v.(map[string]int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAnomalyRepo) CountByDisposition(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(map[string]int), args.Error(1)
	}
	return nil, args.Error(1)
}

// stubDetector returns canned candidates, or a canned error
type stubDetector struct {
	name       string
	candidates []Candidate
	err        error
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) Detect(context.Context, *device.Snapshot) ([]Candidate, error) {
	return d.candidates, d.err
}

func TestService_ProcessSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("rule findings are persisted", func(t *testing.T) {
		repo := new(mockAnomalyRepo)
		repo.On("Create", ctx, mock.AnythingOfType("*anomaly.Anomaly")).Return(nil)

		svc := NewService([]Detector{NewRuleDetector()}, repo, nil, nil, nil, 1)
		snap := cleanSnapshot(t)
		snap.Security.FileVaultEnabled = false
		snap.Security.SIPEnabled = false

		found, err := svc.ProcessSnapshot(ctx, snap)
		require.NoError(t, err)
		require.Len(t, found, 1)

		a := found[0]
		assert.Equal(t, anomaly.TypeSecurityPosture, a.Type)
		assert.Equal(t, anomaly.DispositionOpen, a.Disposition)
		assert.Equal(t, snap.DeviceID, a.DeviceID)
		assert.NotEmpty(t, a.Recommendations)
		require.NotNil(t, a.Snapshot)
		assert.Equal(t, snap.ID, a.Snapshot.ID)
		repo.AssertNumberOfCalls(t, "Create", 1)
	})

	t.Run("unavailable detector is skipped silently", func(t *testing.T) {
		repo := new(mockAnomalyRepo)
		svc := NewService([]Detector{
			&stubDetector{name: "outlier", err: errors.NewDetectorUnavailableError("outlier", "no model")},
		}, repo, nil, nil, nil, 1)

		found, err := svc.ProcessSnapshot(ctx, cleanSnapshot(t))
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("detector failure does not block other detectors", func(t *testing.T) {
		repo := new(mockAnomalyRepo)
		repo.On("Create", ctx, mock.AnythingOfType("*anomaly.Anomaly")).Return(nil)

		broken := &stubDetector{name: "broken", err: errors.NewInternalError("boom")}
		working := &stubDetector{name: "working", candidates: []Candidate{{
			Type:       anomaly.TypeResource,
			Method:     anomaly.MethodRuleBased,
			Severity:   anomaly.SeverityHigh,
			Feature:    "disk_usage_percent",
			Confidence: RuleConfidence,
			Score:      80,
		}}}

		svc := NewService([]Detector{broken, working}, repo, nil, nil, nil, 1)
		found, err := svc.ProcessSnapshot(ctx, cleanSnapshot(t))
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("nil snapshot is rejected", func(t *testing.T) {
		svc := NewService(nil, new(mockAnomalyRepo), nil, nil, nil, 1)
		_, err := svc.ProcessSnapshot(ctx, nil)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestService_Dedupe(t *testing.T) {
	ctx := context.Background()
	repo := new(mockAnomalyRepo)
	repo.On("Create", ctx, mock.AnythingOfType("*anomaly.Anomaly")).Return(nil)

	// Two detectors report the same (type, feature); the higher-severity
	// finding survives.
	first := &stubDetector{name: "a", candidates: []Candidate{{
		Type: anomaly.TypeResource, Method: anomaly.MethodRuleBased,
		Severity: anomaly.SeverityMedium, Feature: "disk_usage_percent",
		Confidence: 0.95, Score: 60,
	}}}
	second := &stubDetector{name: "b", candidates: []Candidate{
		{
			Type: anomaly.TypeResource, Method: anomaly.MethodStatistical,
			Severity: anomaly.SeverityHigh, Feature: "disk_usage_percent",
			Confidence: 0.85, Score: 75,
		},
		{
			Type: anomaly.TypeTiming, Method: anomaly.MethodStatistical,
			Severity: anomaly.SeverityLow, Feature: "hour_of_day",
			Confidence: 0.85, Score: 40,
		},
	}}

	svc := NewService([]Detector{first, second}, repo, nil, nil, nil, 1)
	found, err := svc.ProcessSnapshot(ctx, cleanSnapshot(t))
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, anomaly.SeverityHigh, found[0].Severity)
	assert.Equal(t, anomaly.MethodStatistical, found[0].Method)
	assert.Equal(t, anomaly.TypeTiming, found[1].Type)
}

func TestDedupe_TieBreaks(t *testing.T) {
	base := Candidate{Type: anomaly.TypeResource, Feature: "disk_usage_percent", Severity: anomaly.SeverityHigh}

	t.Run("confidence breaks severity tie", func(t *testing.T) {
		a, b := base, base
		a.Confidence = 0.95
		b.Confidence = 0.75
		out := dedupe([]Candidate{b, a})
		require.Len(t, out, 1)
		assert.Equal(t, 0.95, out[0].Confidence)
	})

	t.Run("score breaks full tie", func(t *testing.T) {
		a, b := base, base
		a.Confidence, b.Confidence = 0.9, 0.9
		a.Score, b.Score = 82, 88
		out := dedupe([]Candidate{a, b})
		require.Len(t, out, 1)
		assert.Equal(t, 88.0, out[0].Score)
	})

	t.Run("first wins an exact tie", func(t *testing.T) {
		a, b := base, base
		a.Description = "first"
		b.Description = "second"
		out := dedupe([]Candidate{a, b})
		require.Len(t, out, 1)
		assert.Equal(t, "first", out[0].Description)
	})
}

func TestService_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	repo := new(mockAnomalyRepo)
	repo.On("Create", ctx, mock.AnythingOfType("*anomaly.Anomaly")).Return(nil)

	svc := NewService([]Detector{NewRuleDetector()}, repo, nil, nil, nil, 4)

	// 20 devices, every third one with a posture problem
	snapshots := make([]*device.Snapshot, 20)
	for i := range snapshots {
		snap, err := device.NewSnapshot(fmt.Sprintf("mac-%03d", i), time.Now().UTC(), 20, 40, 60)
		require.NoError(t, err)
		snap.Security = &device.SecurityPosture{
			FileVaultEnabled:  true,
			SIPEnabled:        true,
			FirewallEnabled:   true,
			GatekeeperEnabled: true,
		}
		if i%3 == 0 {
			snap.Security.FileVaultEnabled = false
			snap.Security.FirewallEnabled = false
		}
		snapshots[i] = snap
	}

	result, err := svc.ProcessBatch(ctx, snapshots)
	require.NoError(t, err)
	assert.Equal(t, 20, result.SamplesProcessed)
	assert.Equal(t, 20, result.DevicesSeen)
	assert.Len(t, result.Anomalies, 20, "every device gets an entry, flagged or not")
	assert.Empty(t, result.Failed)

	// Findings stay keyed under the device that produced them
	flagged := 0
	for deviceID, found := range result.Anomalies {
		var n int
		fmt.Sscanf(deviceID, "mac-%03d", &n)
		if n%3 == 0 {
			require.Len(t, found, 1, "device %s should carry its posture finding", deviceID)
			assert.Equal(t, deviceID, found[0].DeviceID)
			flagged++
		} else {
			assert.Empty(t, found, "device %s should not have been flagged", deviceID)
		}
	}
	assert.Equal(t, 7, flagged)
}

func TestService_ProcessBatch_Empty(t *testing.T) {
	svc := NewService(nil, new(mockAnomalyRepo), nil, nil, nil, 4)
	result, err := svc.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.SamplesProcessed)
}

func TestService_Transitions(t *testing.T) {
	ctx := context.Background()

	newOpen := func(t *testing.T) *anomaly.Anomaly {
		t.Helper()
		a, err := anomaly.New("mac-001", anomaly.TypeSecurityPosture, anomaly.MethodRuleBased, anomaly.SeverityCritical, 0.95, 95)
		require.NoError(t, err)
		return a
	}

	t.Run("confirm", func(t *testing.T) {
		a := newOpen(t)
		repo := new(mockAnomalyRepo)
		repo.On("GetByID", ctx, a.ID).Return(a, nil)
		repo.On("Update", ctx, a).Return(nil)

		svc := NewService(nil, repo, nil, nil, nil, 1)
		updated, err := svc.Confirm(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, anomaly.DispositionConfirmed, updated.Disposition)
	})

	t.Run("false positive", func(t *testing.T) {
		a := newOpen(t)
		repo := new(mockAnomalyRepo)
		repo.On("GetByID", ctx, a.ID).Return(a, nil)
		repo.On("Update", ctx, a).Return(nil)

		svc := NewService(nil, repo, nil, nil, nil, 1)
		updated, err := svc.MarkFalsePositive(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, anomaly.DispositionFalsePositive, updated.Disposition)
	})

	t.Run("resolve", func(t *testing.T) {
		a := newOpen(t)
		repo := new(mockAnomalyRepo)
		repo.On("GetByID", ctx, a.ID).Return(a, nil)
		repo.On("Update", ctx, a).Return(nil)

		svc := NewService(nil, repo, nil, nil, nil, 1)
		updated, err := svc.Resolve(ctx, a.ID, "analyst@example.com", "reimaged the device")
		require.NoError(t, err)
		assert.Equal(t, anomaly.DispositionResolved, updated.Disposition)
		assert.Equal(t, "analyst@example.com", updated.ResolvedBy)
	})

	t.Run("invalid transition is not persisted", func(t *testing.T) {
		a := newOpen(t)
		require.NoError(t, a.MarkFalsePositive())

		repo := new(mockAnomalyRepo)
		repo.On("GetByID", ctx, a.ID).Return(a, nil)

		svc := NewService(nil, repo, nil, nil, nil, 1)
		_, err := svc.Confirm(ctx, a.ID)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDisposition))
		repo.AssertNotCalled(t, "Update", ctx, a)
	})

	t.Run("unknown id", func(t *testing.T) {
		repo := new(mockAnomalyRepo)
		repo.On("GetByID", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil, repository.ErrNotFound)

		svc := NewService(nil, repo, nil, nil, nil, 1)
		_, err := svc.Confirm(ctx, uuid.New())
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	repo := new(mockAnomalyRepo)
	repo.On("Create", ctx, mock.AnythingOfType("*anomaly.Anomaly")).Return(nil)

	svc := NewService([]Detector{NewRuleDetector()}, repo, nil, nil, nil, 1)

	// 4 clean samples and one with a posture finding
	for i := 0; i < 4; i++ {
		_, err := svc.ProcessSnapshot(ctx, cleanSnapshot(t))
		require.NoError(t, err)
	}
	bad := cleanSnapshot(t)
	bad.Security.FileVaultEnabled = false
	bad.Security.GatekeeperEnabled = false
	found, err := svc.ProcessSnapshot(ctx, bad)
	require.NoError(t, err)
	require.Len(t, found, 1)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.SamplesProcessed)
	assert.Equal(t, int64(1), stats.AnomaliesDetected)
	assert.Equal(t, int64(1), stats.CandidatesByDetector[DetectorRules])
	assert.InDelta(t, 0.2, stats.DetectionRate, 1e-9)
	assert.Zero(t, stats.FalsePositiveRate)

	// Review the finding as a false positive and confirm a second one
	a := found[0]
	repo.On("GetByID", ctx, a.ID).Return(a, nil)
	repo.On("Update", ctx, a).Return(nil)
	_, err = svc.MarkFalsePositive(ctx, a.ID)
	require.NoError(t, err)

	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FalsePositives)
	assert.InDelta(t, 1.0, stats.FalsePositiveRate, 1e-9)
}

func TestService_Stats_CountsDuplicatesAndResolutions(t *testing.T) {
	ctx := context.Background()
	repo := new(mockAnomalyRepo)
	repo.On("Create", ctx, mock.AnythingOfType("*anomaly.Anomaly")).Return(nil)

	// Both detectors flag the same (type, feature); one survives dedup.
	first := &stubDetector{name: "a", candidates: []Candidate{{
		Type: anomaly.TypeResource, Method: anomaly.MethodRuleBased,
		Severity: anomaly.SeverityHigh, Feature: "disk_usage_percent",
		Confidence: 0.95, Score: 80,
	}}}
	second := &stubDetector{name: "b", candidates: []Candidate{{
		Type: anomaly.TypeResource, Method: anomaly.MethodStatistical,
		Severity: anomaly.SeverityMedium, Feature: "disk_usage_percent",
		Confidence: 0.85, Score: 60,
	}}}

	svc := NewService([]Detector{first, second}, repo, nil, nil, nil, 1)
	found, err := svc.ProcessSnapshot(ctx, cleanSnapshot(t))
	require.NoError(t, err)
	require.Len(t, found, 1)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CandidatesByDetector["a"])
	assert.Equal(t, int64(1), stats.CandidatesByDetector["b"])
	assert.Equal(t, int64(1), stats.DuplicatesDiscarded)
	assert.Zero(t, stats.Resolved)

	a := found[0]
	repo.On("GetByID", ctx, a.ID).Return(a, nil)
	repo.On("Update", ctx, a).Return(nil)
	_, err = svc.Resolve(ctx, a.ID, "analyst@example.com", "patched")
	require.NoError(t, err)

	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Resolved)
}

func TestService_Summary(t *testing.T) {
	ctx := context.Background()
	since := time.Now().Add(-24 * time.Hour)

	repo := new(mockAnomalyRepo)
	repo.On("CountBySeverity", ctx, since).Return(map[string]int{"critical": 2, "medium": 3}, nil)
	repo.On("CountByType", ctx, since).Return(map[string]int{"security_posture": 2, "statistical_deviation": 3}, nil)
	repo.On("CountByDisposition", ctx).Return(map[string]int{"open": 4, "confirmed": 1}, nil)

	svc := NewService(nil, repo, nil, nil, nil, 1)
	summary, err := svc.Summary(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.BySeverity["critical"])
	assert.Equal(t, 1, summary.ByDisposition["confirmed"])
}
