package alerting

import (
	"context"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
)

// Service turns qualifying anomalies into delivered notifications
type Service interface {
	// DispatchAnomaly sends a single anomaly immediately if it qualifies.
	// Returns true when a notification was delivered.
	DispatchAnomaly(ctx context.Context, a *anomaly.Anomaly) (bool, error)
	// DispatchPending finds unalerted qualifying anomalies, batches them
	// by severity and delivers one notification per batch
	DispatchPending(ctx context.Context) (*DispatchReport, error)
	// DeadLetters returns alerts that exhausted their retries
	DeadLetters() []DeadLetter
}

// Notifier delivers one alert over a channel, e.g. a webhook or a log sink.
// Send must only return nil once the alert is durably handed off.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// Alert is one notification covering a batch of anomalies of the same
// severity
type Alert struct {
	ID         string             `json:"id"`
	Severity   anomaly.Severity   `json:"-"`
	Label      string             `json:"severity"`
	Recipients []string           `json:"recipients,omitempty"`
	Anomalies  []*anomaly.Anomaly `json:"anomalies"`
	CreatedAt  time.Time          `json:"created_at"`
}

// DeadLetter records an alert that could not be delivered
type DeadLetter struct {
	Alert     *Alert    `json:"alert"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// DispatchReport summarizes one DispatchPending run
type DispatchReport struct {
	Candidates int `json:"candidates"`
	Alerts     int `json:"alerts"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}
