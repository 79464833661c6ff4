package detection

// Detector names
const (
	DetectorRules       = "rules"
	DetectorStatistical = "statistical"
	DetectorOutlier     = "outlier"
)

// Detector confidence levels
const (
	RuleConfidence        = 0.95
	StatisticalConfidence = 0.85
	OutlierConfidence     = 0.75
)

// Statistical detector thresholds
const (
	DefaultZScoreThreshold = 3.0
	ZScoreCritical         = 6.0
	ZScoreHigh             = 4.5
	ZScoreMedium           = 3.5
	ScorePerSigma          = 20.0
	DefaultRareHourProb    = 0.01
)

// Outlier detector thresholds
const (
	DefaultOutlierThreshold  = 0.70
	OutlierHighThreshold     = 0.80
	OutlierCriticalThreshold = 0.90
	DefaultContamination     = 0.05
	MinTrainingSamples       = 20
)

// Rule thresholds
const (
	DisabledProtectionsForCritical = 2
	FailedAuthHighThreshold        = 10
	PublicNetworkConnLimit         = 100
	DiskNearFullPercent            = 95.0
)

// SuspiciousProcessNames are substring-matched against running process
// names, case insensitively
var SuspiciousProcessNames = []string{
	"cryptominer",
	"keylogger",
	"trojan",
	"backdoor",
	"ransomware",
}
