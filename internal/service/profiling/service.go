package profiling

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/cache"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/telemetry"
)

// rebuildTimeout bounds one background baseline build
const rebuildTimeout = 30 * time.Second

type service struct {
	snapshots repository.SnapshotRepository
	baselines repository.BaselineRepository
	profiles  repository.ProfileRepository
	cache     *cache.BehaviorCache
	trainer   Trainer
	logger    *slog.Logger

	baselineWindowDays int
	profileWindowDays  int

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewService creates the profiling service. The cache and trainer are
// optional; a nil cache makes every read hit the repository and a nil
// trainer leaves the outlier model untouched on rebuilds.
func NewService(
	snapshots repository.SnapshotRepository,
	baselines repository.BaselineRepository,
	profiles repository.ProfileRepository,
	behaviorCache *cache.BehaviorCache,
	trainer Trainer,
	logger *slog.Logger,
	baselineWindowDays, profileWindowDays int,
) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if baselineWindowDays <= 0 {
		baselineWindowDays = 30
	}
	if profileWindowDays <= 0 {
		profileWindowDays = 90
	}
	return &service{
		snapshots:          snapshots,
		baselines:          baselines,
		profiles:           profiles,
		cache:              behaviorCache,
		trainer:            trainer,
		logger:             logger,
		baselineWindowDays: baselineWindowDays,
		profileWindowDays:  profileWindowDays,
		inFlight:           make(map[string]struct{}),
	}
}

func (s *service) BuildBaseline(ctx context.Context, deviceID string, category behavior.Category, force bool) (*behavior.Baseline, error) {
	if _, ok := behavior.ParseCategory(string(category)); !ok {
		return nil, errors.NewValidationError("INVALID_CATEGORY", "unknown baseline category: "+string(category))
	}
	if !force {
		if existing, err := s.ActiveBaseline(ctx, deviceID, category); err == nil {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -s.baselineWindowDays)
	window, err := s.snapshots.ListByDevice(ctx, deviceID, since)
	if err != nil {
		return nil, errors.Wrap(err, "load telemetry window")
	}

	baseline, err := s.buildCategory(ctx, deviceID, category, window, now)
	if err != nil {
		return nil, err
	}
	s.train(ctx, deviceID, window)
	return baseline, nil
}

func (s *service) BuildAllBaselines(ctx context.Context, deviceID string, force bool) (*BaselineSet, error) {
	set := &BaselineSet{
		DeviceID:  deviceID,
		Baselines: make(map[behavior.Category]*behavior.Baseline),
		Skipped:   make(map[behavior.Category]string),
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -s.baselineWindowDays)

	// Cheap count first so an empty device never loads a window
	n, err := s.snapshots.CountByDevice(ctx, deviceID, since)
	if err != nil {
		return nil, errors.Wrap(err, "count telemetry window")
	}
	if n < behavior.MinBaselineSamples {
		reason := fmt.Sprintf("%d samples in window, need %d", n, behavior.MinBaselineSamples)
		for _, cat := range behavior.Categories() {
			set.Skipped[cat] = reason
		}
		return set, nil
	}

	window, err := s.snapshots.ListByDevice(ctx, deviceID, since)
	if err != nil {
		return nil, errors.Wrap(err, "load telemetry window")
	}

	for _, cat := range behavior.Categories() {
		if !force {
			if existing, err := s.ActiveBaseline(ctx, deviceID, cat); err == nil {
				set.Baselines[cat] = existing
				continue
			}
		}
		baseline, err := s.buildCategory(ctx, deviceID, cat, window, now)
		if err != nil {
			set.Skipped[cat] = err.Error()
			if !errors.IsType(err, errors.ErrorTypeInsufficientData) {
				s.logger.ErrorContext(ctx, "category baseline build failed",
					slog.String("device_id", deviceID),
					slog.String("category", string(cat)),
					slog.String("error", err.Error()))
			}
			continue
		}
		set.Baselines[cat] = baseline
	}

	if len(set.Baselines) > 0 {
		s.train(ctx, deviceID, window)
	}
	return set, nil
}

// buildCategory computes, persists and caches one category baseline from an
// already loaded window
func (s *service) buildCategory(ctx context.Context, deviceID string, category behavior.Category, window []*device.Snapshot, now time.Time) (*behavior.Baseline, error) {
	obs := observeBaseline(window, category)

	baseline, err := behavior.ComputeBaseline(deviceID, category, obs, s.baselineWindowDays, now)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeInsufficientData) {
			telemetry.RecordBaselineRebuild("insufficient_data")
		} else {
			telemetry.RecordBaselineRebuild("error")
		}
		return nil, err
	}

	if err := s.baselines.Upsert(ctx, baseline); err != nil {
		telemetry.RecordBaselineRebuild("error")
		return nil, errors.Wrap(err, "persist baseline")
	}
	telemetry.RecordBaselineRebuild("ok")
	if s.cache != nil {
		if err := s.cache.SetBaseline(ctx, baseline); err != nil {
			s.logger.WarnContext(ctx, "failed to cache baseline",
				slog.String("device_id", deviceID),
				slog.String("category", string(category)),
				slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "baseline rebuilt",
		slog.String("device_id", deviceID),
		slog.String("category", string(category)),
		slog.Int("samples", baseline.SampleCount),
		slog.Float64("confidence", baseline.Confidence))
	return baseline, nil
}

func (s *service) train(ctx context.Context, deviceID string, window []*device.Snapshot) {
	if s.trainer == nil {
		return
	}
	if err := s.trainer.Train(deviceID, window); err != nil {
		// The statistical baselines need fewer samples than the outlier
		// model; a young device lands here routinely.
		s.logger.DebugContext(ctx, "outlier model not trained",
			slog.String("device_id", deviceID),
			slog.String("reason", err.Error()))
	}
}

// observeBaseline aggregates a telemetry window into the raw material for
// one category baseline. A sample counts toward the category only when it
// actually reported the category's telemetry group.
func observeBaseline(window []*device.Snapshot, category behavior.Category) behavior.BaselineObservations {
	obs := behavior.BaselineObservations{
		Series:      make(map[string][]float64),
		HourCounts:  make(map[int]int),
		DayCounts:   make(map[int]int),
		ValueCounts: make(map[string]map[string]int),
	}
	features := category.Features()
	for _, snap := range window {
		contributed := false
		for _, feature := range features {
			if v, ok := snap.Metric(feature); ok {
				obs.Series[feature] = append(obs.Series[feature], v)
				contributed = true
			}
		}

		switch category {
		case behavior.CategoryAuthentication:
			if snap.LoginUser != "" {
				countValue(obs.ValueCounts, "login_user", snap.LoginUser)
			}
		case behavior.CategoryNetwork:
			if snap.Network != nil {
				if snap.Network.SSID != "" {
					countValue(obs.ValueCounts, "network_ssid", snap.Network.SSID)
				}
				countValue(obs.ValueCounts, "network_type", string(snap.Network.Type))
			}
		}

		if contributed {
			obs.SampleCount++
			obs.HourCounts[snap.HourOfDay()]++
			obs.DayCounts[snap.DayOfWeek()]++
		}
	}
	return obs
}

func countValue(counts map[string]map[string]int, field, value string) {
	if counts[field] == nil {
		counts[field] = make(map[string]int)
	}
	counts[field][value]++
}

func (s *service) ListBaselines(ctx context.Context, deviceID string) ([]*behavior.Baseline, error) {
	baselines, err := s.baselines.ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "list baselines")
	}
	return baselines, nil
}

func (s *service) BuildProfile(ctx context.Context, deviceID string) (*behavior.Profile, error) {
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -s.profileWindowDays)
	window, err := s.snapshots.ListByDevice(ctx, deviceID, since)
	if err != nil {
		return nil, errors.Wrap(err, "load telemetry window")
	}

	profile, err := behavior.ComputeProfile(deviceID, observe(window), s.profileWindowDays, now)
	if err != nil {
		return nil, err
	}

	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return nil, errors.Wrap(err, "persist profile")
	}
	if s.cache != nil {
		if err := s.cache.SetProfile(ctx, profile); err != nil {
			s.logger.WarnContext(ctx, "failed to cache profile",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "profile rebuilt",
		slog.String("device_id", deviceID),
		slog.Int("samples", profile.SampleCount),
		slog.Bool("complete", profile.IsComplete))
	return profile, nil
}

// observe aggregates a telemetry window into profile observations. Posture
// and VPN usage are tallied across every sample that reported the group, so
// one freshly degraded sample cannot swing the risk appetite on its own.
func observe(window []*device.Snapshot) behavior.ProfileObservations {
	obs := behavior.ProfileObservations{
		HourCounts:    make(map[int]int),
		DayCounts:     make(map[int]int),
		NetworkCounts: make(map[string]int),
		ProcessCounts: make(map[string]int),
		SampleCount:   len(window),
	}
	var failedAuthTotal int
	for _, snap := range window {
		obs.HourCounts[snap.HourOfDay()]++
		obs.DayCounts[snap.DayOfWeek()]++
		if snap.Network != nil {
			obs.NetworkSamples++
			if snap.Network.VPNActive {
				obs.VPNActiveSamples++
			}
			if snap.Network.SSID != "" {
				obs.NetworkCounts[snap.Network.SSID]++
			}
		}
		for _, p := range snap.Processes {
			obs.ProcessCounts[p.Name]++
		}
		if snap.Security != nil {
			obs.PostureSamples++
			if !snap.Security.FileVaultEnabled {
				obs.FileVaultDisabledSamples++
			}
			if !snap.Security.SIPEnabled {
				obs.SIPDisabledSamples++
			}
			if !snap.Security.FirewallEnabled {
				obs.FirewallDisabledSamples++
			}
			if !snap.Security.GatekeeperEnabled {
				obs.GatekeeperDisabledSamples++
			}
			failedAuthTotal += snap.Security.FailedAuthCount
		}
	}
	if obs.PostureSamples > 0 {
		obs.MeanFailedAuth = float64(failedAuthTotal) / float64(obs.PostureSamples)
	}
	return obs
}

func (s *service) RebuildAll(ctx context.Context) (*RebuildReport, error) {
	deviceIDs, err := s.baselines.DeviceIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}

	report := &RebuildReport{Devices: len(deviceIDs), Failed: make(map[string]string)}
	for _, deviceID := range deviceIDs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		set, err := s.BuildAllBaselines(ctx, deviceID, true)
		if err != nil {
			report.Failed[deviceID] = err.Error()
			continue
		}
		report.Baselines += len(set.Baselines)
		report.Skipped += len(set.Skipped)
		if len(set.Baselines) == 0 {
			continue
		}

		if _, err := s.BuildProfile(ctx, deviceID); err != nil {
			if !errors.IsType(err, errors.ErrorTypeInsufficientData) {
				report.Failed[deviceID] = err.Error()
			}
			continue
		}
		report.Profiles++
	}
	return report, nil
}

func (s *service) ActiveBaseline(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error) {
	if s.cache != nil {
		if baseline, err := s.cache.GetBaseline(ctx, deviceID, category); err == nil {
			return baseline, nil
		}
	}
	baseline, err := s.baselines.Get(ctx, deviceID, category)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.ErrBaselineNotFound
		}
		return nil, errors.Wrap(err, "load baseline")
	}
	if s.cache != nil {
		if err := s.cache.SetBaseline(ctx, baseline); err != nil {
			s.logger.WarnContext(ctx, "failed to warm baseline cache",
				slog.String("device_id", deviceID),
				slog.String("category", string(category)),
				slog.String("error", err.Error()))
		}
	}
	return baseline, nil
}

func (s *service) ActiveProfile(ctx context.Context, deviceID string) (*behavior.Profile, error) {
	if s.cache != nil {
		if profile, err := s.cache.GetProfile(ctx, deviceID); err == nil {
			return profile, nil
		}
	}
	profile, err := s.profiles.GetByDevice(ctx, deviceID)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.ErrProfileNotFound
		}
		return nil, errors.Wrap(err, "load profile")
	}
	if s.cache != nil {
		if err := s.cache.SetProfile(ctx, profile); err != nil {
			s.logger.WarnContext(ctx, "failed to warm profile cache",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()))
		}
	}
	return profile, nil
}

func (s *service) RequestBaselineRebuild(deviceID string) {
	if deviceID == "" {
		return
	}
	s.mu.Lock()
	if _, busy := s.inFlight[deviceID]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[deviceID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, deviceID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()

		set, err := s.BuildAllBaselines(ctx, deviceID, true)
		if err != nil {
			s.logger.ErrorContext(ctx, "background baseline build failed",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()))
			return
		}
		if len(set.Baselines) == 0 {
			return
		}
		if _, err := s.BuildProfile(ctx, deviceID); err != nil {
			if !errors.IsType(err, errors.ErrorTypeInsufficientData) {
				s.logger.ErrorContext(ctx, "background profile build failed",
					slog.String("device_id", deviceID),
					slog.String("error", err.Error()))
			}
		}
	}()
}

func (s *service) Close() {
	s.wg.Wait()
}
