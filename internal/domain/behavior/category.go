package behavior

import (
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// Category partitions baseline features by the telemetry domain they come
// from. Baselines are scoped to one (device, category) pair so a noisy
// network history never blocks an authentication baseline from building.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryNetwork        Category = "network"
	CategoryProcess        Category = "process"
	CategorySystem         Category = "system"
)

// Categories lists the baseline categories in evaluation order
func Categories() []Category {
	return []Category{
		CategoryAuthentication,
		CategoryNetwork,
		CategoryProcess,
		CategorySystem,
	}
}

// ParseCategory validates a category label from the API or storage
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryAuthentication, CategoryNetwork, CategoryProcess, CategorySystem:
		return Category(s), true
	}
	return "", false
}

// Features lists the scalar snapshot features summarized under this category
func (c Category) Features() []string {
	switch c {
	case CategoryAuthentication:
		return []string{device.FeatureFailedAuthCount}
	case CategoryNetwork:
		return []string{device.FeatureActiveConnections}
	case CategoryProcess:
		return []string{device.FeatureProcessCount}
	case CategorySystem:
		return []string{
			device.FeatureCPUPercent,
			device.FeatureMemoryPercent,
			device.FeatureDiskUsagePercent,
		}
	}
	return nil
}
