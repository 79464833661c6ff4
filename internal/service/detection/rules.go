package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
)

// Rule evaluates one security policy against a snapshot. A nil result
// means the rule did not fire.
type Rule struct {
	ID       string
	Name     string
	Enabled  bool
	Evaluate func(snap *device.Snapshot) *Candidate
}

// RuleDetector runs the registered policy rules against every sample.
// Rules fire independently; a single sample can raise several findings.
type RuleDetector struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRuleDetector constructs a detector loaded with the default rules
func NewRuleDetector() *RuleDetector {
	return &RuleDetector{rules: defaultRules()}
}

func (d *RuleDetector) Name() string {
	return DetectorRules
}

// AddRule registers an additional policy rule
func (d *RuleDetector) AddRule(r Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, r)
}

// SetRuleEnabled toggles a rule by ID
func (d *RuleDetector) SetRuleEnabled(id string, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.rules {
		if d.rules[i].ID == id {
			d.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

func (d *RuleDetector) Detect(_ context.Context, snap *device.Snapshot) ([]Candidate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Candidate
	for _, r := range d.rules {
		if !r.Enabled {
			continue
		}
		if c := r.Evaluate(snap); c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Rules that read the security or network group skip samples that did not
// report it. An absent group is unknown, not all-off.
func defaultRules() []Rule {
	return []Rule{
		{
			ID:      "security_posture_degraded",
			Name:    "Multiple core protections disabled",
			Enabled: true,
			Evaluate: func(snap *device.Snapshot) *Candidate {
				if snap.Security == nil {
					return nil
				}
				disabled := snap.Security.DisabledProtections()
				if disabled < DisabledProtectionsForCritical {
					return nil
				}
				return ruleCandidate(
					anomaly.TypeSecurityPosture,
					anomaly.SeverityCritical,
					"Multiple core protections disabled",
					"disabled_protections",
					float64(disabled), 0,
					fmt.Sprintf("%d core security protections are disabled", disabled),
				)
			},
		},
		{
			ID:      "failed_auth_burst",
			Name:    "Excessive failed authentication attempts",
			Enabled: true,
			Evaluate: func(snap *device.Snapshot) *Candidate {
				if snap.Security == nil {
					return nil
				}
				failed := snap.Security.FailedAuthCount
				if failed < FailedAuthHighThreshold {
					return nil
				}
				return ruleCandidate(
					anomaly.TypeAuthentication,
					anomaly.SeverityHigh,
					"Excessive failed authentication attempts",
					"failed_auth_count",
					float64(failed), float64(FailedAuthHighThreshold),
					fmt.Sprintf("%d failed authentication attempts since last sample", failed),
				)
			},
		},
		{
			ID:      "public_network_exposure",
			Name:    "High connection count on public network without VPN",
			Enabled: true,
			Evaluate: func(snap *device.Snapshot) *Candidate {
				if !snap.OnPublicNetwork() || snap.Network.VPNActive {
					return nil
				}
				conns := snap.Network.ActiveConnections
				if conns <= PublicNetworkConnLimit {
					return nil
				}
				return ruleCandidate(
					anomaly.TypeNetwork,
					anomaly.SeverityMedium,
					"Exposed on public network",
					"active_connections",
					float64(conns), float64(PublicNetworkConnLimit),
					fmt.Sprintf("%d active connections on a public network with VPN off", conns),
				)
			},
		},
		{
			ID:      "suspicious_process",
			Name:    "Known-bad process name pattern",
			Enabled: true,
			Evaluate: func(snap *device.Snapshot) *Candidate {
				for _, fragment := range SuspiciousProcessNames {
					if name, ok := snap.HasProcessMatching(fragment); ok {
						return ruleCandidate(
							anomaly.TypeProcess,
							anomaly.SeverityCritical,
							"Suspicious process running",
							"process_name",
							0, 0,
							fmt.Sprintf("process %q matches suspicious pattern %q", name, fragment),
						)
					}
				}
				return nil
			},
		},
		{
			ID:      "disk_near_full",
			Name:    "Disk usage near capacity",
			Enabled: true,
			Evaluate: func(snap *device.Snapshot) *Candidate {
				if snap.DiskUsagePercent < DiskNearFullPercent {
					return nil
				}
				return ruleCandidate(
					anomaly.TypeResource,
					anomaly.SeverityHigh,
					"Disk usage near capacity",
					"disk_usage_percent",
					snap.DiskUsagePercent, DiskNearFullPercent,
					fmt.Sprintf("disk usage at %.1f%%", snap.DiskUsagePercent),
				)
			},
		},
	}
}

func ruleCandidate(typ anomaly.Type, sev anomaly.Severity, title, feature string, observed, expected float64, desc string) *Candidate {
	return &Candidate{
		Type:          typ,
		Method:        anomaly.MethodRuleBased,
		Severity:      sev,
		Title:         title,
		Feature:       feature,
		Confidence:    RuleConfidence,
		Score:         sev.Score(),
		ObservedValue: observed,
		ExpectedValue: expected,
		Deviation:     observed - expected,
		Description:   desc,
	}
}
