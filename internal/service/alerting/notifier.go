package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

// LogNotifier writes alerts to the structured log. It is the default sink
// when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(ctx context.Context, alert *Alert) error {
	devices := make([]string, 0, len(alert.Anomalies))
	for _, a := range alert.Anomalies {
		devices = append(devices, a.DeviceID)
	}
	n.logger.WarnContext(ctx, "security alert",
		slog.String("alert_id", alert.ID),
		slog.String("severity", alert.Label),
		slog.Int("anomalies", len(alert.Anomalies)),
		slog.Any("devices", devices))
	return nil
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "encode alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.NewDeliveryFailureError(n.Name(), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewDeliveryFailureError(n.Name(), fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
