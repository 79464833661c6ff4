package behavior

import (
	"math"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

const (
	// MinProfileSamples is the floor below which no profile is computed
	MinProfileSamples = 20
	// CompleteProfileSamples marks a profile as fully established
	CompleteProfileSamples = 500

	maxHourEntropy = 4.58 // log2(24)
	maxDayEntropy  = 2.81 // log2(7)

	topLoginHours = 8
	topActiveDays = 5
	topNetworks   = 5
	topProcesses  = 15

	diversityCap = 10
)

// Profile is an immutable long-window behavioral fingerprint of a device
type Profile struct {
	DeviceID            string    `json:"device_id"`
	TypicalLoginHours   []int     `json:"typical_login_hours"`
	TypicalDays         []int     `json:"typical_days"`
	KnownNetworks       []string  `json:"known_networks"`
	CommonProcesses     []string  `json:"common_processes"`
	BehavioralDiversity float64   `json:"behavioral_diversity"`
	RegularityScore     float64   `json:"regularity_score"`
	RiskAppetite        float64   `json:"risk_appetite"`
	VPNUsageRate        float64   `json:"vpn_usage_rate"`
	WindowDays          int       `json:"window_days"`
	SampleCount         int       `json:"sample_count"`
	Confidence          float64   `json:"confidence"`
	IsComplete          bool      `json:"is_complete"`
	ComputedAt          time.Time `json:"computed_at"`
}

// ProfileObservations aggregates the raw counts a profile is computed from
type ProfileObservations struct {
	HourCounts    map[int]int
	DayCounts     map[int]int
	NetworkCounts map[string]int
	ProcessCounts map[string]int

	// per-sample posture tallies over the window. PostureSamples counts
	// only samples that reported a posture at all; samples without one
	// stay out of both numerator and denominator.
	FileVaultDisabledSamples  int
	SIPDisabledSamples        int
	FirewallDisabledSamples   int
	GatekeeperDisabledSamples int
	PostureSamples            int
	MeanFailedAuth            float64

	VPNActiveSamples int
	NetworkSamples   int

	SampleCount int
}

// ComputeProfile builds a profile from windowed observations
func ComputeProfile(deviceID string, obs ProfileObservations, windowDays int, now time.Time) (*Profile, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError("INVALID_DEVICE_ID", "device id is required")
	}
	if obs.SampleCount < MinProfileSamples {
		return nil, errors.NewInsufficientDataError(deviceID, obs.SampleCount, MinProfileSamples)
	}

	diversity := ShannonEntropy(obs.ProcessCounts)
	if diversity > diversityCap {
		diversity = diversityCap
	}

	return &Profile{
		DeviceID:            deviceID,
		TypicalLoginHours:   topKeys(obs.HourCounts, topLoginHours),
		TypicalDays:         topKeys(obs.DayCounts, topActiveDays),
		KnownNetworks:       topKeys(obs.NetworkCounts, topNetworks),
		CommonProcesses:     topKeys(obs.ProcessCounts, topProcesses),
		BehavioralDiversity: diversity,
		RegularityScore:     regularityScore(obs.HourCounts, obs.DayCounts),
		RiskAppetite:        riskAppetite(obs),
		VPNUsageRate:        vpnUsageRate(obs),
		WindowDays:          windowDays,
		SampleCount:         obs.SampleCount,
		Confidence:          profileConfidence(obs.SampleCount),
		IsComplete:          obs.SampleCount >= CompleteProfileSamples,
		ComputedAt:          now.UTC(),
	}, nil
}

// regularityScore averages how concentrated the hour and day distributions
// are. A device used at the same hours every day scores near 100.
func regularityScore(hourCounts, dayCounts map[int]int) float64 {
	hourEntropy := intEntropy(hourCounts)
	dayEntropy := intEntropy(dayCounts)
	hourReg := (1 - hourEntropy/maxHourEntropy) * 100
	dayReg := (1 - dayEntropy/maxDayEntropy) * 100
	score := (hourReg + dayReg) / 2
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func intEntropy(counts map[int]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// riskAppetite weights each weak-posture signal by the share of window
// samples it was observed in, clamped to [0,100]. A protection toggled off
// for one sample barely moves the score; off all window it carries its full
// weight.
func riskAppetite(obs ProfileObservations) float64 {
	score := 0.0
	if obs.PostureSamples > 0 {
		n := float64(obs.PostureSamples)
		score += 20 * float64(obs.FileVaultDisabledSamples) / n
		score += 15 * float64(obs.SIPDisabledSamples) / n
		score += 15 * float64(obs.FirewallDisabledSamples) / n
		score += 10 * float64(obs.GatekeeperDisabledSamples) / n
	}
	if obs.MeanFailedAuth > 5 {
		score += 10
	} else if obs.MeanFailedAuth > 0 {
		score += 5
	}
	if score > 100 {
		return 100
	}
	return score
}

// vpnUsageRate is the share of network-reporting samples with the VPN up
func vpnUsageRate(obs ProfileObservations) float64 {
	if obs.NetworkSamples == 0 {
		return 0
	}
	return float64(obs.VPNActiveSamples) / float64(obs.NetworkSamples)
}

func profileConfidence(n int) float64 {
	switch {
	case n < 100:
		return 60
	case n < 500:
		return 80
	default:
		return math.Min(100, 80+float64(n-500)/50)
	}
}

// KnowsNetwork reports whether the SSID belongs to the device's usual set
func (p *Profile) KnowsNetwork(ssid string) bool {
	if ssid == "" {
		return true
	}
	for _, n := range p.KnownNetworks {
		if n == ssid {
			return true
		}
	}
	return false
}

// IsTypicalHour reports whether the hour is in the device's usual set
func (p *Profile) IsTypicalHour(hour int) bool {
	for _, h := range p.TypicalLoginHours {
		if h == hour {
			return true
		}
	}
	return false
}
