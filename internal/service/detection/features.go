package detection

import (
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// featureNames is the fixed order of the outlier model's feature vector.
// Training and scoring must agree on this order.
var featureNames = []string{
	"cpu_percent",
	"memory_percent",
	"disk_usage_percent",
	"active_connections",
	"vpn_active",
	"process_count",
	"filevault_enabled",
	"sip_enabled",
	"firewall_enabled",
	"failed_auth_count",
	"hour_of_day",
	"day_of_week",
}

// NumFeatures is the dimensionality of the outlier feature vector
var NumFeatures = len(featureNames)

// extractFeatures flattens a snapshot into the outlier model's vector.
// Boolean switches are encoded as 0/1. Snapshots that omit the security
// or network group get healthy defaults so an absent report does not
// read as a protection collapse.
func extractFeatures(snap *device.Snapshot) []float64 {
	v := make([]float64, NumFeatures)
	v[0] = snap.CPUPercent
	v[1] = snap.MemoryPercent
	v[2] = snap.DiskUsagePercent
	if snap.Network != nil {
		v[3] = float64(snap.Network.ActiveConnections)
		v[4] = boolFeature(snap.Network.VPNActive)
	}
	v[5] = float64(snap.ProcessCount)
	if snap.Security != nil {
		v[6] = boolFeature(snap.Security.FileVaultEnabled)
		v[7] = boolFeature(snap.Security.SIPEnabled)
		v[8] = boolFeature(snap.Security.FirewallEnabled)
		v[9] = float64(snap.Security.FailedAuthCount)
	} else {
		v[6], v[7], v[8] = 1, 1, 1
	}
	v[10] = float64(snap.HourOfDay())
	v[11] = float64(snap.DayOfWeek())
	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
