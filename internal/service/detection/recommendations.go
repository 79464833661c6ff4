package detection

import (
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
)

// recommendationsFor returns the analyst playbook steps attached to every
// persisted anomaly of the given type
func recommendationsFor(typ anomaly.Type) []string {
	switch typ {
	case anomaly.TypeSecurityPosture:
		return []string{
			"Re-enable the disabled protections from MDM",
			"Check whether the user intentionally changed security settings",
			"Review recent configuration profile changes on the device",
		}
	case anomaly.TypeAuthentication:
		return []string{
			"Verify the login attempts with the device owner",
			"Force a credential rotation if the attempts are unexplained",
			"Check for the device appearing in other alerts in the same window",
		}
	case anomaly.TypeNetwork:
		return []string{
			"Confirm the network with the device owner",
			"Require VPN for traffic on untrusted networks",
		}
	case anomaly.TypeProcess:
		return []string{
			"Isolate the device from the network",
			"Capture the process binary and submit it for analysis",
			"Run a full endpoint scan before restoring access",
		}
	case anomaly.TypeResource:
		return []string{
			"Check for runaway processes or large spool directories",
			"Free disk space before the device degrades further",
		}
	case anomaly.TypeStatisticalDeviation, anomaly.TypeBehavioralOutlier:
		return []string{
			"Compare the flagged sample against the device's recent history",
			"Confirm or dismiss the finding to tune future detections",
		}
	case anomaly.TypeTiming:
		return []string{
			"Verify expected activity hours with the device owner",
		}
	default:
		return nil
	}
}
