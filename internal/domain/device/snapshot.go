package device

import (
	"strings"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/google/uuid"
)

// NetworkType classifies the network a device reports from
type NetworkType string

const (
	NetworkTypeWiFi     NetworkType = "wifi"
	NetworkTypeEthernet NetworkType = "ethernet"
	NetworkTypePublic   NetworkType = "public"
	NetworkTypeCellular NetworkType = "cellular"
	NetworkTypeUnknown  NetworkType = "unknown"
)

// SecurityPosture captures the protection switches reported by the agent
type SecurityPosture struct {
	FileVaultEnabled  bool `json:"filevault_enabled"`
	SIPEnabled        bool `json:"sip_enabled"`
	FirewallEnabled   bool `json:"firewall_enabled"`
	GatekeeperEnabled bool `json:"gatekeeper_enabled"`
	ScreenLockEnabled bool `json:"screen_lock_enabled"`
	FailedAuthCount   int  `json:"failed_auth_count"`
}

// DisabledProtections counts how many of the core protections are off.
// Screen lock is reported but not counted; it has no posture rule.
func (p SecurityPosture) DisabledProtections() int {
	n := 0
	if !p.FileVaultEnabled {
		n++
	}
	if !p.SIPEnabled {
		n++
	}
	if !p.FirewallEnabled {
		n++
	}
	if !p.GatekeeperEnabled {
		n++
	}
	return n
}

// NetworkState describes the connection at collection time
type NetworkState struct {
	SSID              string      `json:"ssid,omitempty"`
	Type              NetworkType `json:"type"`
	VPNActive         bool        `json:"vpn_active"`
	ActiveConnections int         `json:"active_connections"`
}

// Process is a single running process observed on the device
type Process struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   float64 `json:"memory_mb,omitempty"`
}

// Snapshot is one telemetry sample for a device. Snapshots are immutable
// once constructed; detectors only ever read them. Security and Network are
// nil when the agent did not report that group; nil means unknown, not
// all-off, and detectors must skip the group rather than read defaults.
type Snapshot struct {
	ID               uuid.UUID        `json:"id"`
	DeviceID         string           `json:"device_id"`
	CollectedAt      time.Time        `json:"collected_at"`
	CPUPercent       float64          `json:"cpu_percent"`
	MemoryPercent    float64          `json:"memory_percent"`
	DiskUsagePercent float64          `json:"disk_usage_percent"`
	ProcessCount     int              `json:"process_count"`
	LoginUser        string           `json:"login_user,omitempty"`
	Security         *SecurityPosture `json:"security,omitempty"`
	Network          *NetworkState    `json:"network,omitempty"`
	Processes        []Process        `json:"processes,omitempty"`
}

// NewSnapshot validates and constructs a telemetry sample
func NewSnapshot(deviceID string, collectedAt time.Time, cpu, memory, disk float64) (*Snapshot, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError("INVALID_DEVICE_ID", "device id is required")
	}
	if cpu < 0 || cpu > 100 {
		return nil, errors.NewValidationError("INVALID_METRIC", "cpu percent must be between 0 and 100")
	}
	if memory < 0 || memory > 100 {
		return nil, errors.NewValidationError("INVALID_METRIC", "memory percent must be between 0 and 100")
	}
	if disk < 0 || disk > 100 {
		return nil, errors.NewValidationError("INVALID_METRIC", "disk usage percent must be between 0 and 100")
	}
	if collectedAt.IsZero() {
		collectedAt = time.Now().UTC()
	}
	return &Snapshot{
		ID:               uuid.New(),
		DeviceID:         deviceID,
		CollectedAt:      collectedAt,
		CPUPercent:       cpu,
		MemoryPercent:    memory,
		DiskUsagePercent: disk,
	}, nil
}

// WithProcesses attaches the process list and keeps the count consistent
func (s *Snapshot) WithProcesses(procs []Process) *Snapshot {
	s.Processes = procs
	if s.ProcessCount == 0 {
		s.ProcessCount = len(procs)
	}
	return s
}

// HourOfDay returns the collection hour in UTC, 0-23
func (s *Snapshot) HourOfDay() int {
	return s.CollectedAt.UTC().Hour()
}

// DayOfWeek returns the collection weekday, 0=Sunday
func (s *Snapshot) DayOfWeek() int {
	return int(s.CollectedAt.UTC().Weekday())
}

// OnPublicNetwork reports whether the device is on an untrusted network.
// An unreported network state counts as not public.
func (s *Snapshot) OnPublicNetwork() bool {
	return s.Network != nil && s.Network.Type == NetworkTypePublic
}

// HasProcessMatching reports whether any process name contains the given
// fragment, case-insensitively
func (s *Snapshot) HasProcessMatching(fragment string) (string, bool) {
	needle := strings.ToLower(fragment)
	for _, p := range s.Processes {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			return p.Name, true
		}
	}
	return "", false
}

// Metric returns the named scalar feature of the snapshot. Features backed
// by an unreported group return ok=false so baselines and detectors exclude
// the sample instead of treating absence as zero.
func (s *Snapshot) Metric(feature string) (float64, bool) {
	switch feature {
	case FeatureCPUPercent:
		return s.CPUPercent, true
	case FeatureMemoryPercent:
		return s.MemoryPercent, true
	case FeatureDiskUsagePercent:
		return s.DiskUsagePercent, true
	case FeatureActiveConnections:
		if s.Network == nil {
			return 0, false
		}
		return float64(s.Network.ActiveConnections), true
	case FeatureProcessCount:
		return float64(s.ProcessCount), true
	case FeatureFailedAuthCount:
		if s.Security == nil {
			return 0, false
		}
		return float64(s.Security.FailedAuthCount), true
	}
	return 0, false
}

// Scalar features tracked by baselines
const (
	FeatureCPUPercent        = "cpu_percent"
	FeatureMemoryPercent     = "memory_percent"
	FeatureDiskUsagePercent  = "disk_usage_percent"
	FeatureActiveConnections = "active_connections"
	FeatureProcessCount      = "process_count"
	FeatureFailedAuthCount   = "failed_auth_count"
)

// BaselineFeatures lists the scalar features in evaluation order
func BaselineFeatures() []string {
	return []string{
		FeatureCPUPercent,
		FeatureMemoryPercent,
		FeatureDiskUsagePercent,
		FeatureActiveConnections,
		FeatureProcessCount,
		FeatureFailedAuthCount,
	}
}
