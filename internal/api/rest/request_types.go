package rest

import (
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// TelemetryRequest is one reported telemetry sample. The security and
// network groups are optional; a sample that omits one reports that group
// as unknown, not as all-off.
type TelemetryRequest struct {
	DeviceID         string           `json:"device_id" validate:"required,max=128"`
	CollectedAt      time.Time        `json:"collected_at"`
	CPUPercent       float64          `json:"cpu_percent" validate:"gte=0,lte=100"`
	MemoryPercent    float64          `json:"memory_percent" validate:"gte=0,lte=100"`
	DiskUsagePercent float64          `json:"disk_usage_percent" validate:"gte=0,lte=100"`
	ProcessCount     int              `json:"process_count" validate:"gte=0"`
	LoginUser        string           `json:"login_user,omitempty"`
	Security         *SecurityRequest `json:"security,omitempty"`
	Network          *NetworkRequest  `json:"network,omitempty"`
	Processes        []ProcessRequest `json:"processes,omitempty" validate:"dive"`
}

type SecurityRequest struct {
	FileVaultEnabled  bool `json:"filevault_enabled"`
	SIPEnabled        bool `json:"sip_enabled"`
	FirewallEnabled   bool `json:"firewall_enabled"`
	GatekeeperEnabled bool `json:"gatekeeper_enabled"`
	ScreenLockEnabled bool `json:"screen_lock_enabled"`
	FailedAuthCount   int  `json:"failed_auth_count" validate:"gte=0"`
}

type NetworkRequest struct {
	SSID              string `json:"ssid,omitempty"`
	Type              string `json:"type" validate:"omitempty,oneof=wifi ethernet public cellular unknown"`
	VPNActive         bool   `json:"vpn_active"`
	ActiveConnections int    `json:"active_connections" validate:"gte=0"`
}

type ProcessRequest struct {
	Name       string  `json:"name" validate:"required"`
	PID        int     `json:"pid,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   float64 `json:"memory_mb,omitempty"`
}

// TelemetryBatchRequest carries samples for many devices
type TelemetryBatchRequest struct {
	Snapshots []TelemetryRequest `json:"snapshots" validate:"required,min=1,max=1000,dive"`
}

// ResolveRequest closes an anomaly
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required,max=256"`
	Notes      string `json:"notes,omitempty" validate:"max=4096"`
}

// convertBatch converts every request in a batch, failing on the first
// invalid sample
func convertBatch(reqs []TelemetryRequest) ([]*device.Snapshot, error) {
	out := make([]*device.Snapshot, len(reqs))
	for i := range reqs {
		snap, err := reqs[i].toSnapshot()
		if err != nil {
			return nil, err
		}
		out[i] = snap
	}
	return out, nil
}

// toSnapshot converts a validated request into the domain sample
func (req *TelemetryRequest) toSnapshot() (*device.Snapshot, error) {
	snap, err := device.NewSnapshot(req.DeviceID, req.CollectedAt,
		req.CPUPercent, req.MemoryPercent, req.DiskUsagePercent)
	if err != nil {
		return nil, err
	}
	snap.ProcessCount = req.ProcessCount
	snap.LoginUser = req.LoginUser
	if req.Security != nil {
		snap.Security = &device.SecurityPosture{
			FileVaultEnabled:  req.Security.FileVaultEnabled,
			SIPEnabled:        req.Security.SIPEnabled,
			FirewallEnabled:   req.Security.FirewallEnabled,
			GatekeeperEnabled: req.Security.GatekeeperEnabled,
			ScreenLockEnabled: req.Security.ScreenLockEnabled,
			FailedAuthCount:   req.Security.FailedAuthCount,
		}
	}
	if req.Network != nil {
		netType := device.NetworkType(req.Network.Type)
		if req.Network.Type == "" {
			netType = device.NetworkTypeUnknown
		}
		snap.Network = &device.NetworkState{
			SSID:              req.Network.SSID,
			Type:              netType,
			VPNActive:         req.Network.VPNActive,
			ActiveConnections: req.Network.ActiveConnections,
		}
	}
	if len(req.Processes) > 0 {
		procs := make([]device.Process, len(req.Processes))
		for i, p := range req.Processes {
			procs[i] = device.Process{Name: p.Name, PID: p.PID, CPUPercent: p.CPUPercent, MemoryMB: p.MemoryMB}
		}
		snap.WithProcesses(procs)
	}
	return snap, nil
}
