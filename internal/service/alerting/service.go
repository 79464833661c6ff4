package alerting

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/config"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/telemetry"
)

type service struct {
	anomalies repository.AnomalyRepository
	notifier  Notifier
	limiter   *rate.Limiter
	logger    *slog.Logger

	minSeverity    anomaly.Severity
	recipients     []string
	maxRetries     int
	retryBaseDelay time.Duration
	deadLetters    bool

	mu   sync.Mutex
	dead []DeadLetter
}

// NewService creates the alert dispatcher
func NewService(
	anomalies repository.AnomalyRepository,
	notifier Notifier,
	cfg config.AlertingConfig,
	logger *slog.Logger,
) Service {
	if logger == nil {
		logger = slog.Default()
	}
	perSec := cfg.DispatchesPerSec
	if perSec <= 0 {
		perSec = 5
	}
	burst := cfg.DispatchBurst
	if burst <= 0 {
		burst = 1
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &service{
		anomalies:      anomalies,
		notifier:       notifier,
		limiter:        rate.NewLimiter(rate.Limit(perSec), burst),
		logger:         logger,
		minSeverity:    anomaly.ParseSeverity(cfg.MinSeverity),
		recipients:     cfg.Recipients,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: baseDelay,
		deadLetters:    cfg.DeadLetterEnabled,
	}
}

func (s *service) DispatchAnomaly(ctx context.Context, a *anomaly.Anomaly) (bool, error) {
	if a == nil {
		return false, errors.NewValidationError("INVALID_ANOMALY", "anomaly is required")
	}
	if !a.Alertable() || a.Severity < s.minSeverity {
		return false, nil
	}

	alert := s.newAlert(a.Severity, []*anomaly.Anomaly{a})
	if err := s.deliver(ctx, alert); err != nil {
		return false, err
	}
	return true, s.markDelivered(ctx, alert)
}

func (s *service) DispatchPending(ctx context.Context) (*DispatchReport, error) {
	minSev := s.minSeverity
	pending, err := s.anomalies.List(ctx, repository.AnomalyFilter{
		Unalerted:   true,
		MinSeverity: &minSev,
		OrderBy:     "detected_at ASC",
	})
	if err != nil {
		return nil, errors.Wrap(err, "list pending anomalies")
	}

	report := &DispatchReport{}
	bySeverity := make(map[anomaly.Severity][]*anomaly.Anomaly)
	for _, a := range pending {
		if !a.Alertable() {
			continue
		}
		report.Candidates++
		bySeverity[a.Severity] = append(bySeverity[a.Severity], a)
	}

	// Most urgent batches go out first
	severities := make([]anomaly.Severity, 0, len(bySeverity))
	for sev := range bySeverity {
		severities = append(severities, sev)
	}
	sort.Slice(severities, func(i, j int) bool { return severities[i] > severities[j] })

	for _, sev := range severities {
		alert := s.newAlert(sev, bySeverity[sev])
		report.Alerts++

		if err := s.deliver(ctx, alert); err != nil {
			report.Failed++
			continue
		}
		if err := s.markDelivered(ctx, alert); err != nil {
			s.logger.ErrorContext(ctx, "alert delivered but flag update failed",
				slog.String("alert_id", alert.ID),
				slog.String("error", err.Error()))
		}
		report.Delivered++
	}
	return report, nil
}

func (s *service) newAlert(sev anomaly.Severity, batch []*anomaly.Anomaly) *Alert {
	return &Alert{
		ID:         uuid.NewString(),
		Severity:   sev,
		Label:      sev.String(),
		Recipients: s.recipients,
		Anomalies:  batch,
		CreatedAt:  time.Now().UTC(),
	}
}

// deliver sends one alert with rate limiting and exponential backoff. The
// alert lands in the dead letter queue after the final attempt fails.
func (s *service) deliver(ctx context.Context, alert *Alert) error {
	attempts := s.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := s.retryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				s.bury(alert, attempt, lastErr)
				return lastErr
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			s.bury(alert, attempt+1, lastErr)
			return lastErr
		}

		lastErr = s.notifier.Send(ctx, alert)
		if lastErr == nil {
			telemetry.RecordAlertDelivered()
			s.logger.InfoContext(ctx, "alert delivered",
				slog.String("alert_id", alert.ID),
				slog.String("severity", alert.Label),
				slog.Int("anomalies", len(alert.Anomalies)),
				slog.Int("attempt", attempt+1))
			return nil
		}
		s.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("alert_id", alert.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}

	telemetry.RecordAlertFailed()
	s.bury(alert, attempts, lastErr)
	return errors.NewDeliveryFailureError(s.notifier.Name(), lastErr.Error())
}

// markDelivered flips the alerted flag on every anomaly in the batch, only
// after the notifier accepted the alert
func (s *service) markDelivered(ctx context.Context, alert *Alert) error {
	for _, a := range alert.Anomalies {
		a.MarkAlerted()
		if err := s.anomalies.Update(ctx, a); err != nil {
			return errors.Wrap(err, "persist alerted flag")
		}
	}
	return nil
}

func (s *service) bury(alert *Alert, attempts int, lastErr error) {
	if !s.deadLetters {
		return
	}
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	s.mu.Lock()
	s.dead = append(s.dead, DeadLetter{
		Alert:     alert,
		Attempts:  attempts,
		LastError: msg,
		FailedAt:  time.Now().UTC(),
	})
	s.mu.Unlock()
}

func (s *service) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out
}
