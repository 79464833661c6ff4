package profiling

import (
	"context"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// Service builds and serves per-device behavioral baselines and profiles.
// Baselines are scoped to one (device, category) pair.
type Service interface {
	// BuildBaseline recomputes one category baseline from the device's
	// telemetry window and persists it. With force false an already
	// stored baseline is returned untouched.
	BuildBaseline(ctx context.Context, deviceID string, category behavior.Category, force bool) (*behavior.Baseline, error)
	// BuildAllBaselines rebuilds every category for a device. Categories
	// without enough data are skipped with a reason, not failed.
	BuildAllBaselines(ctx context.Context, deviceID string, force bool) (*BaselineSet, error)
	// ListBaselines returns the device's stored baselines across categories
	ListBaselines(ctx context.Context, deviceID string) ([]*behavior.Baseline, error)
	// BuildProfile recomputes the device's behavioral profile
	BuildProfile(ctx context.Context, deviceID string) (*behavior.Profile, error)
	// RebuildAll recomputes baselines and profiles for every known device
	RebuildAll(ctx context.Context) (*RebuildReport, error)

	// ActiveBaseline returns the device's current baseline for one
	// category, cache first
	ActiveBaseline(ctx context.Context, deviceID string, category behavior.Category) (*behavior.Baseline, error)
	// ActiveProfile returns the device's current profile, cache first
	ActiveProfile(ctx context.Context, deviceID string) (*behavior.Profile, error)

	// RequestBaselineRebuild schedules an asynchronous build of every
	// category. Requests for a device already in flight are coalesced.
	RequestBaselineRebuild(deviceID string)

	// Close waits for in-flight background builds to finish
	Close()
}

// Trainer receives the telemetry window used for a baseline build so the
// outlier model stays in step with the statistical baselines
type Trainer interface {
	Train(deviceID string, window []*device.Snapshot) error
}

// BaselineSet is the outcome of one whole-device baseline build. Skipped
// maps a category to the reason it produced no baseline.
type BaselineSet struct {
	DeviceID  string                                   `json:"device_id"`
	Baselines map[behavior.Category]*behavior.Baseline `json:"baselines"`
	Skipped   map[behavior.Category]string             `json:"skipped,omitempty"`
}

// RebuildReport summarizes one RebuildAll run
type RebuildReport struct {
	Devices   int               `json:"devices"`
	Baselines int               `json:"baselines"`
	Profiles  int               `json:"profiles"`
	Skipped   int               `json:"skipped"`
	Failed    map[string]string `json:"failed,omitempty"`
}
