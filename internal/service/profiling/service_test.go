package profiling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/cache"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/config"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
)

type mockSnapshotRepo struct {
	mock.Mock
}

func (m *mockSnapshotRepo) Create(ctx context.Context, s *device.Snapshot) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockSnapshotRepo) CreateBatch(ctx context.Context, snapshots []*device.Snapshot) error {
	return m.Called(ctx, snapshots).Error(0)
}

func (m *mockSnapshotRepo) ListByDevice(ctx context.Context, deviceID string, since time.Time) ([]*device.Snapshot, error) {
	args := m.Called(ctx, deviceID, since)
	if v := args.Get(0); v != nil {
		return v.([]*device.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSnapshotRepo) CountByDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	args := m.Called(ctx, deviceID, since)
	return args.Int(0), args.Error(1)
}

type mockBaselineRepo struct {
	mock.Mock
}

func (m *mockBaselineRepo) Upsert(ctx context.Context, b *behavior.Baseline) error {
	return m.Called(ctx, b).Error(0)
}

func (m *mockBaselineRepo) Get(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error) {
	args := m.Called(ctx, deviceID, category)
	if v := args.Get(0); v != nil {
		return v.(*behavior.Baseline), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBaselineRepo) ListByDevice(ctx context.Context, deviceID string) ([]*behavior.Baseline, error) {
	args := m.Called(ctx, deviceID)
	if v := args.Get(0); v != nil {
		return v.([]*behavior.Baseline), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBaselineRepo) DeviceIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockProfileRepo struct {
	mock.Mock
}

func (m *mockProfileRepo) Upsert(ctx context.Context, p *behavior.Profile) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockProfileRepo) GetByDevice(ctx context.Context, deviceID string) (*behavior.Profile, error) {
	args := m.Called(ctx, deviceID)
	if v := args.Get(0); v != nil {
		return v.(*behavior.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockTrainer struct {
	mock.Mock
}

func (m *mockTrainer) Train(deviceID string, window []*device.Snapshot) error {
	return m.Called(deviceID, window).Error(0)
}

// telemetryWindow generates n workday samples for a device
func telemetryWindow(t *testing.T, deviceID string, n int) []*device.Snapshot {
	t.Helper()
	window := make([]*device.Snapshot, n)
	for i := 0; i < n; i++ {
		collected := time.Date(2025, 6, 2, 9+(i%8), 0, 0, 0, time.UTC).AddDate(0, 0, i/8)
		snap, err := device.NewSnapshot(deviceID, collected,
			15+float64(i%10), 40+float64(i%6), 60+float64(i%3))
		require.NoError(t, err)
		snap.ProcessCount = 75 + i%12
		snap.Security = &device.SecurityPosture{
			FileVaultEnabled:  true,
			SIPEnabled:        true,
			FirewallEnabled:   true,
			GatekeeperEnabled: true,
		}
		snap.Network = &device.NetworkState{
			Type:              device.NetworkTypeWiFi,
			SSID:              "office-wifi",
			ActiveConnections: 10 + i%8,
		}
		snap.WithProcesses([]device.Process{{Name: "Finder"}, {Name: "Safari"}})
		window[i] = snap
	}
	return window
}

// bareWindow generates samples that never reported the security or network
// groups
func bareWindow(t *testing.T, deviceID string, n int) []*device.Snapshot {
	t.Helper()
	window := make([]*device.Snapshot, n)
	for i := 0; i < n; i++ {
		collected := time.Date(2025, 6, 2, 9+(i%8), 0, 0, 0, time.UTC).AddDate(0, 0, i/8)
		snap, err := device.NewSnapshot(deviceID, collected,
			15+float64(i%10), 40+float64(i%6), 60+float64(i%3))
		require.NoError(t, err)
		snap.ProcessCount = 75 + i%12
		window[i] = snap
	}
	return window
}

func TestService_BuildBaseline(t *testing.T) {
	ctx := context.Background()

	t.Run("persists, caches and trains from the window", func(t *testing.T) {
		window := telemetryWindow(t, "mac-001", 40)

		snaps := new(mockSnapshotRepo)
		snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(window, nil)

		baselines := new(mockBaselineRepo)
		baselines.On("Upsert", ctx, mock.AnythingOfType("*behavior.Baseline")).Return(nil)

		trainer := new(mockTrainer)
		trainer.On("Train", "mac-001", window).Return(nil)

		svc := NewService(snaps, baselines, new(mockProfileRepo), nil, trainer, nil, 30, 90)
		baseline, err := svc.BuildBaseline(ctx, "mac-001", behavior.CategorySystem, true)
		require.NoError(t, err)

		assert.Equal(t, "mac-001", baseline.DeviceID)
		assert.Equal(t, behavior.CategorySystem, baseline.Category)
		assert.Equal(t, 40, baseline.SampleCount)
		assert.Equal(t, 30, baseline.WindowDays)
		assert.Len(t, baseline.Features, 3)
		baselines.AssertExpectations(t)
		trainer.AssertExpectations(t)
	})

	t.Run("without force an established baseline is reused", func(t *testing.T) {
		stored := &behavior.Baseline{DeviceID: "mac-001", Category: behavior.CategorySystem, SampleCount: 120}

		snaps := new(mockSnapshotRepo)
		baselines := new(mockBaselineRepo)
		baselines.On("Get", ctx, "mac-001", behavior.CategorySystem).Return(stored, nil)

		svc := NewService(snaps, baselines, new(mockProfileRepo), nil, nil, nil, 30, 90)
		baseline, err := svc.BuildBaseline(ctx, "mac-001", behavior.CategorySystem, false)
		require.NoError(t, err)
		assert.Equal(t, 120, baseline.SampleCount)
		snaps.AssertNotCalled(t, "ListByDevice", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown category is rejected", func(t *testing.T) {
		svc := NewService(new(mockSnapshotRepo), new(mockBaselineRepo), new(mockProfileRepo), nil, nil, nil, 30, 90)
		_, err := svc.BuildBaseline(ctx, "mac-001", behavior.Category("bogus"), true)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("short window refuses without persisting", func(t *testing.T) {
		snaps := new(mockSnapshotRepo)
		snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).
			Return(telemetryWindow(t, "mac-001", behavior.MinBaselineSamples-1), nil)

		baselines := new(mockBaselineRepo)
		svc := NewService(snaps, baselines, new(mockProfileRepo), nil, nil, nil, 30, 90)

		_, err := svc.BuildBaseline(ctx, "mac-001", behavior.CategorySystem, true)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInsufficientData))
		baselines.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	})

	t.Run("trainer refusal does not fail the build", func(t *testing.T) {
		window := telemetryWindow(t, "mac-001", 15)

		snaps := new(mockSnapshotRepo)
		snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(window, nil)

		baselines := new(mockBaselineRepo)
		baselines.On("Upsert", ctx, mock.AnythingOfType("*behavior.Baseline")).Return(nil)

		trainer := new(mockTrainer)
		trainer.On("Train", "mac-001", window).
			Return(errors.NewInsufficientDataError("mac-001", 15, 20))

		svc := NewService(snaps, baselines, new(mockProfileRepo), nil, trainer, nil, 30, 90)
		_, err := svc.BuildBaseline(ctx, "mac-001", behavior.CategorySystem, true)
		assert.NoError(t, err)
	})
}

func TestService_BuildAllBaselines(t *testing.T) {
	ctx := context.Background()

	t.Run("builds every category and trains once", func(t *testing.T) {
		window := telemetryWindow(t, "mac-001", 40)

		snaps := new(mockSnapshotRepo)
		snaps.On("CountByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(40, nil)
		snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(window, nil)

		baselines := new(mockBaselineRepo)
		baselines.On("Upsert", ctx, mock.AnythingOfType("*behavior.Baseline")).Return(nil)

		trainer := new(mockTrainer)
		trainer.On("Train", "mac-001", window).Return(nil).Once()

		svc := NewService(snaps, baselines, new(mockProfileRepo), nil, trainer, nil, 30, 90)
		set, err := svc.BuildAllBaselines(ctx, "mac-001", true)
		require.NoError(t, err)

		assert.Len(t, set.Baselines, len(behavior.Categories()))
		assert.Empty(t, set.Skipped)
		for cat, b := range set.Baselines {
			assert.Equal(t, cat, b.Category)
		}
		baselines.AssertNumberOfCalls(t, "Upsert", len(behavior.Categories()))
		trainer.AssertExpectations(t)
	})

	t.Run("empty device never loads a window", func(t *testing.T) {
		snaps := new(mockSnapshotRepo)
		snaps.On("CountByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(4, nil)

		svc := NewService(snaps, new(mockBaselineRepo), new(mockProfileRepo), nil, nil, nil, 30, 90)
		set, err := svc.BuildAllBaselines(ctx, "mac-001", true)
		require.NoError(t, err)

		assert.Empty(t, set.Baselines)
		assert.Len(t, set.Skipped, len(behavior.Categories()))
		for _, reason := range set.Skipped {
			assert.Contains(t, reason, "4 samples in window")
		}
		snaps.AssertNotCalled(t, "ListByDevice", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unreported groups skip their categories only", func(t *testing.T) {
		window := bareWindow(t, "mac-001", 40)

		snaps := new(mockSnapshotRepo)
		snaps.On("CountByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(40, nil)
		snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(window, nil)

		baselines := new(mockBaselineRepo)
		baselines.On("Upsert", ctx, mock.AnythingOfType("*behavior.Baseline")).Return(nil)

		svc := NewService(snaps, baselines, new(mockProfileRepo), nil, nil, nil, 30, 90)
		set, err := svc.BuildAllBaselines(ctx, "mac-001", true)
		require.NoError(t, err)

		assert.Contains(t, set.Baselines, behavior.CategorySystem)
		assert.Contains(t, set.Baselines, behavior.CategoryProcess)
		assert.Contains(t, set.Skipped, behavior.CategoryAuthentication)
		assert.Contains(t, set.Skipped, behavior.CategoryNetwork)
	})
}

func TestService_BuildProfile(t *testing.T) {
	ctx := context.Background()

	snaps := new(mockSnapshotRepo)
	snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).
		Return(telemetryWindow(t, "mac-001", 60), nil)

	profiles := new(mockProfileRepo)
	profiles.On("Upsert", ctx, mock.AnythingOfType("*behavior.Profile")).Return(nil)

	svc := NewService(snaps, new(mockBaselineRepo), profiles, nil, nil, nil, 30, 90)
	profile, err := svc.BuildProfile(ctx, "mac-001")
	require.NoError(t, err)

	assert.Equal(t, 60, profile.SampleCount)
	assert.Contains(t, profile.KnownNetworks, "office-wifi")
	assert.Contains(t, profile.CommonProcesses, "Finder")
	assert.False(t, profile.IsComplete)
	assert.Zero(t, profile.RiskAppetite)
	assert.Zero(t, profile.VPNUsageRate)
	profiles.AssertExpectations(t)
}

func TestService_ActiveBaseline(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to repository and warms the cache", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		redisCache, err := cache.NewRedisCache(&config.RedisConfig{
			URL:          mr.Addr(),
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer redisCache.Close()

		stored := &behavior.Baseline{
			DeviceID:    "mac-001",
			Category:    behavior.CategorySystem,
			SampleCount: 120,
			Confidence:  77,
		}
		baselines := new(mockBaselineRepo)
		baselines.On("Get", ctx, "mac-001", behavior.CategorySystem).Return(stored, nil).Once()

		svc := NewService(new(mockSnapshotRepo), baselines, new(mockProfileRepo),
			cache.NewBehaviorCache(redisCache), nil, nil, 30, 90)

		got, err := svc.ActiveBaseline(ctx, "mac-001", behavior.CategorySystem)
		require.NoError(t, err)
		assert.Equal(t, 120, got.SampleCount)

		// Second read is served from the cache; the mock allows one call.
		got, err = svc.ActiveBaseline(ctx, "mac-001", behavior.CategorySystem)
		require.NoError(t, err)
		assert.Equal(t, 120, got.SampleCount)
		baselines.AssertExpectations(t)
	})

	t.Run("categories are cached independently", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		redisCache, err := cache.NewRedisCache(&config.RedisConfig{
			URL:          mr.Addr(),
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer redisCache.Close()

		baselines := new(mockBaselineRepo)
		baselines.On("Get", ctx, "mac-001", behavior.CategorySystem).
			Return(&behavior.Baseline{DeviceID: "mac-001", Category: behavior.CategorySystem, SampleCount: 120}, nil).Once()
		baselines.On("Get", ctx, "mac-001", behavior.CategoryNetwork).
			Return(&behavior.Baseline{DeviceID: "mac-001", Category: behavior.CategoryNetwork, SampleCount: 80}, nil).Once()

		svc := NewService(new(mockSnapshotRepo), baselines, new(mockProfileRepo),
			cache.NewBehaviorCache(redisCache), nil, nil, 30, 90)

		sys, err := svc.ActiveBaseline(ctx, "mac-001", behavior.CategorySystem)
		require.NoError(t, err)
		net, err := svc.ActiveBaseline(ctx, "mac-001", behavior.CategoryNetwork)
		require.NoError(t, err)
		assert.Equal(t, 120, sys.SampleCount)
		assert.Equal(t, 80, net.SampleCount)

		// Cached reads keep the categories apart
		sys, err = svc.ActiveBaseline(ctx, "mac-001", behavior.CategorySystem)
		require.NoError(t, err)
		assert.Equal(t, behavior.CategorySystem, sys.Category)
		baselines.AssertExpectations(t)
	})

	t.Run("unknown device", func(t *testing.T) {
		baselines := new(mockBaselineRepo)
		baselines.On("Get", ctx, "ghost", behavior.CategorySystem).Return(nil, repository.ErrNotFound)

		svc := NewService(new(mockSnapshotRepo), baselines, new(mockProfileRepo), nil, nil, nil, 30, 90)
		_, err := svc.ActiveBaseline(ctx, "ghost", behavior.CategorySystem)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestService_ListBaselines(t *testing.T) {
	ctx := context.Background()
	stored := []*behavior.Baseline{
		{DeviceID: "mac-001", Category: behavior.CategoryAuthentication},
		{DeviceID: "mac-001", Category: behavior.CategorySystem},
	}
	baselines := new(mockBaselineRepo)
	baselines.On("ListByDevice", ctx, "mac-001").Return(stored, nil)

	svc := NewService(new(mockSnapshotRepo), baselines, new(mockProfileRepo), nil, nil, nil, 30, 90)
	got, err := svc.ListBaselines(ctx, "mac-001")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestService_RebuildAll(t *testing.T) {
	ctx := context.Background()

	snaps := new(mockSnapshotRepo)
	snaps.On("CountByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).Return(40, nil)
	snaps.On("ListByDevice", ctx, "mac-001", mock.AnythingOfType("time.Time")).
		Return(telemetryWindow(t, "mac-001", 40), nil)
	snaps.On("CountByDevice", ctx, "mac-002", mock.AnythingOfType("time.Time")).Return(4, nil)

	baselines := new(mockBaselineRepo)
	baselines.On("DeviceIDs", ctx).Return([]string{"mac-001", "mac-002"}, nil)
	baselines.On("Upsert", ctx, mock.AnythingOfType("*behavior.Baseline")).Return(nil)

	profiles := new(mockProfileRepo)
	profiles.On("Upsert", ctx, mock.AnythingOfType("*behavior.Profile")).Return(nil)

	svc := NewService(snaps, baselines, profiles, nil, nil, nil, 30, 90)
	report, err := svc.RebuildAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Devices)
	assert.Equal(t, len(behavior.Categories()), report.Baselines)
	assert.Equal(t, 1, report.Profiles)
	assert.Equal(t, len(behavior.Categories()), report.Skipped)
	assert.Empty(t, report.Failed)
	snaps.AssertNotCalled(t, "ListByDevice", ctx, "mac-002", mock.AnythingOfType("time.Time"))
}

// gatedSnapshotRepo blocks CountByDevice until released so rebuild
// coalescing can be observed deterministically
type gatedSnapshotRepo struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedSnapshotRepo) Create(context.Context, *device.Snapshot) error        { return nil }
func (g *gatedSnapshotRepo) CreateBatch(context.Context, []*device.Snapshot) error { return nil }

func (g *gatedSnapshotRepo) ListByDevice(context.Context, string, time.Time) ([]*device.Snapshot, error) {
	return nil, nil
}

func (g *gatedSnapshotRepo) CountByDevice(ctx context.Context, _ string, _ time.Time) (int, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return 0, nil
}

func TestService_RequestBaselineRebuild_Coalesces(t *testing.T) {
	gated := &gatedSnapshotRepo{gate: make(chan struct{})}
	svc := NewService(gated, new(mockBaselineRepo), new(mockProfileRepo), nil, nil, nil, 30, 90)

	svc.RequestBaselineRebuild("mac-001")
	// Wait for the build to reach the gated repository call
	require.Eventually(t, func() bool { return gated.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Repeated requests while the first is in flight are dropped
	svc.RequestBaselineRebuild("mac-001")
	svc.RequestBaselineRebuild("mac-001")

	close(gated.gate)
	svc.Close()

	assert.Equal(t, int32(1), gated.calls.Load())
}
