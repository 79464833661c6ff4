package cache

import (
	"context"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
)

// BehaviorCache is a read-through cache for the active baseline and profile
// snapshots of each device. Values are whole immutable snapshots; a rebuild
// overwrites the key in one write, so readers never see a partial baseline.
type BehaviorCache struct {
	cache Cache
}

// NewBehaviorCache creates a behavior snapshot cache over a generic Cache
func NewBehaviorCache(cache Cache) *BehaviorCache {
	return &BehaviorCache{cache: cache}
}

// GetBaseline returns the cached baseline for a device and category
func (b *BehaviorCache) GetBaseline(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error) {
	var baseline behavior.Baseline
	if err := b.cache.GetJSON(ctx, baselineKey(deviceID, category), &baseline); err != nil {
		return nil, err
	}
	return &baseline, nil
}

// SetBaseline replaces the cached baseline for a device and category
func (b *BehaviorCache) SetBaseline(ctx context.Context, baseline *behavior.Baseline) error {
	return b.cache.SetJSON(ctx, baselineKey(baseline.DeviceID, baseline.Category), baseline, BaselineTTL)
}

// GetProfile returns the cached profile for a device
func (b *BehaviorCache) GetProfile(ctx context.Context, deviceID string) (*behavior.Profile, error) {
	var profile behavior.Profile
	if err := b.cache.GetJSON(ctx, ProfilePrefix+deviceID, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SetProfile replaces the cached profile for a device
func (b *BehaviorCache) SetProfile(ctx context.Context, profile *behavior.Profile) error {
	return b.cache.SetJSON(ctx, ProfilePrefix+profile.DeviceID, profile, ProfileTTL)
}

// InvalidateDevice drops every cached snapshot for a device, all baseline
// categories and the profile
func (b *BehaviorCache) InvalidateDevice(ctx context.Context, deviceID string) error {
	for _, cat := range behavior.Categories() {
		if err := b.cache.Delete(ctx, baselineKey(deviceID, cat)); err != nil {
			return err
		}
	}
	return b.cache.Delete(ctx, ProfilePrefix+deviceID)
}

func baselineKey(deviceID string, category behavior.Category) string {
	return BaselinePrefix + deviceID + ":" + string(category)
}
