package detection

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/device"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/telemetry"
)

// service is the detection engine implementation
type service struct {
	detectors []Detector
	anomalies repository.AnomalyRepository
	snapshots repository.SnapshotRepository
	tracer    telemetry.TracerInterface
	logger    *slog.Logger

	maxWorkers int

	// running counters since start
	processed      atomic.Int64
	detected       atomic.Int64
	discarded      atomic.Int64
	confirmed      atomic.Int64
	falsePositives atomic.Int64
	resolved       atomic.Int64

	candidatesMu sync.Mutex
	candidates   map[string]int64 // detector name -> candidates emitted
}

// NewService creates the detection engine. Detectors run in the order
// given; rule findings take precedence over statistical and model findings
// during deduplication when scores tie.
func NewService(
	detectors []Detector,
	anomalies repository.AnomalyRepository,
	snapshots repository.SnapshotRepository,
	tracer telemetry.TracerInterface,
	logger *slog.Logger,
	maxWorkers int,
) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &service{
		detectors:  detectors,
		anomalies:  anomalies,
		snapshots:  snapshots,
		tracer:     tracer,
		logger:     logger,
		maxWorkers: maxWorkers,
		candidates: make(map[string]int64),
	}
}

func (s *service) ProcessSnapshot(ctx context.Context, snap *device.Snapshot) ([]*anomaly.Anomaly, error) {
	return s.process(ctx, snap, true)
}

// process runs detection on one sample. Batch callers persist samples up
// front and pass persistSample=false so a batch is written in one
// transaction rather than one insert per sample.
func (s *service) process(ctx context.Context, snap *device.Snapshot, persistSample bool) ([]*anomaly.Anomaly, error) {
	if snap == nil {
		return nil, errors.NewValidationError("INVALID_SNAPSHOT", "snapshot is required")
	}
	s.processed.Add(1)
	telemetry.RecordSampleProcessed()

	if persistSample && s.snapshots != nil {
		if err := s.snapshots.Create(ctx, snap); err != nil {
			// Detection still runs; the raw sample is lost but the
			// finding is not.
			s.logger.WarnContext(ctx, "failed to persist telemetry sample",
				slog.String("device_id", snap.DeviceID),
				slog.String("error", err.Error()))
		}
	}

	var candidates []Candidate
	for _, d := range s.detectors {
		found, err := s.runDetector(ctx, d, snap)
		if err != nil {
			if isDetectorUnavailable(err) {
				s.logger.DebugContext(ctx, "detector skipped",
					slog.String("detector", d.Name()),
					slog.String("device_id", snap.DeviceID),
					slog.String("reason", err.Error()))
				continue
			}
			s.logger.ErrorContext(ctx, "detector failed",
				slog.String("detector", d.Name()),
				slog.String("device_id", snap.DeviceID),
				slog.String("error", err.Error()))
			continue
		}
		s.recordCandidates(d.Name(), len(found))
		candidates = append(candidates, found...)
	}

	survivors := dedupe(candidates)
	s.discarded.Add(int64(len(candidates) - len(survivors)))

	var out []*anomaly.Anomaly
	for _, c := range survivors {
		a, err := s.materialize(snap, c)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to build anomaly",
				slog.String("device_id", snap.DeviceID),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.anomalies.Create(ctx, a); err != nil {
			return out, errors.Wrap(err, "persist anomaly")
		}
		s.detected.Add(1)
		telemetry.RecordAnomalyDetected(string(a.Type), a.Severity.String())
		out = append(out, a)
	}
	return out, nil
}

func (s *service) recordCandidates(detector string, n int) {
	if n == 0 {
		return
	}
	s.candidatesMu.Lock()
	s.candidates[detector] += int64(n)
	s.candidatesMu.Unlock()
}

func (s *service) runDetector(ctx context.Context, d Detector, snap *device.Snapshot) ([]Candidate, error) {
	start := time.Now()
	defer func() { telemetry.ObserveDetectorDuration(d.Name(), time.Since(start)) }()

	if s.tracer == nil {
		return d.Detect(ctx, snap)
	}
	ctx, span := telemetry.StartDetectorSpan(ctx, s.tracer, d.Name(), snap.DeviceID)
	defer span.End()
	found, err := d.Detect(ctx, snap)
	if err != nil && !isDetectorUnavailable(err) {
		telemetry.WithSpanError(span, err)
	}
	return found, err
}

// materialize turns a deduplicated candidate into a persisted-ready entity
func (s *service) materialize(snap *device.Snapshot, c Candidate) (*anomaly.Anomaly, error) {
	a, err := anomaly.New(snap.DeviceID, c.Type, c.Method, c.Severity, c.Confidence, c.Score)
	if err != nil {
		return nil, err
	}
	a.Title = c.Title
	a.Feature = c.Feature
	a.ObservedValue = c.ObservedValue
	a.ExpectedValue = c.ExpectedValue
	a.Deviation = c.Deviation
	a.Description = c.Description
	a.Recommendations = recommendationsFor(c.Type)
	a.Snapshot = snap
	return a, nil
}

func (s *service) ProcessBatch(ctx context.Context, snapshots []*device.Snapshot) (*BatchResult, error) {
	result := &BatchResult{
		Anomalies: make(map[string][]*anomaly.Anomaly),
		Failed:    make(map[string]error),
	}

	valid := snapshots[:0:0]
	for _, snap := range snapshots {
		if snap != nil {
			valid = append(valid, snap)
		}
	}
	if len(valid) == 0 {
		return result, nil
	}

	if s.snapshots != nil {
		if err := s.snapshots.CreateBatch(ctx, valid); err != nil {
			s.logger.WarnContext(ctx, "failed to persist telemetry batch",
				slog.Int("samples", len(valid)),
				slog.String("error", err.Error()))
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.maxWorkers)

	for _, snap := range valid {
		wg.Add(1)
		sem <- struct{}{}
		go func(snap *device.Snapshot) {
			defer wg.Done()
			defer func() { <-sem }()

			found, err := s.process(ctx, snap, false)

			mu.Lock()
			defer mu.Unlock()
			result.SamplesProcessed++
			if _, seen := result.Anomalies[snap.DeviceID]; !seen {
				result.Anomalies[snap.DeviceID] = nil
			}
			result.Anomalies[snap.DeviceID] = append(result.Anomalies[snap.DeviceID], found...)
			if err != nil {
				if _, seen := result.Failed[snap.DeviceID]; !seen {
					result.Failed[snap.DeviceID] = err
				}
			}
		}(snap)
	}
	wg.Wait()

	result.DevicesSeen = len(result.Anomalies)
	return result, nil
}

func (s *service) Confirm(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error) {
	return s.transition(ctx, id, func(a *anomaly.Anomaly) error {
		if err := a.Confirm(); err != nil {
			return err
		}
		s.confirmed.Add(1)
		return nil
	})
}

func (s *service) MarkFalsePositive(ctx context.Context, id uuid.UUID) (*anomaly.Anomaly, error) {
	return s.transition(ctx, id, func(a *anomaly.Anomaly) error {
		if err := a.MarkFalsePositive(); err != nil {
			return err
		}
		s.falsePositives.Add(1)
		return nil
	})
}

func (s *service) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) (*anomaly.Anomaly, error) {
	return s.transition(ctx, id, func(a *anomaly.Anomaly) error {
		if err := a.Resolve(resolvedBy, notes); err != nil {
			return err
		}
		s.resolved.Add(1)
		return nil
	})
}

func (s *service) transition(ctx context.Context, id uuid.UUID, apply func(*anomaly.Anomaly) error) (*anomaly.Anomaly, error) {
	a, err := s.anomalies.GetByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.ErrAnomalyNotFound
		}
		return nil, errors.Wrap(err, "load anomaly")
	}
	if err := apply(a); err != nil {
		return nil, err
	}
	if err := s.anomalies.Update(ctx, a); err != nil {
		return nil, errors.Wrap(err, "persist disposition")
	}
	return a, nil
}

func (s *service) Stats(_ context.Context) (*EngineStats, error) {
	stats := &EngineStats{
		SamplesProcessed:     s.processed.Load(),
		AnomaliesDetected:    s.detected.Load(),
		CandidatesByDetector: s.candidateCounts(),
		DuplicatesDiscarded:  s.discarded.Load(),
		Confirmed:            s.confirmed.Load(),
		FalsePositives:       s.falsePositives.Load(),
		Resolved:             s.resolved.Load(),
	}
	if stats.SamplesProcessed > 0 {
		stats.DetectionRate = float64(stats.AnomaliesDetected) / float64(stats.SamplesProcessed)
	}
	if reviewed := stats.Confirmed + stats.FalsePositives; reviewed > 0 {
		stats.FalsePositiveRate = float64(stats.FalsePositives) / float64(reviewed)
	}
	return stats, nil
}

func (s *service) candidateCounts() map[string]int64 {
	s.candidatesMu.Lock()
	defer s.candidatesMu.Unlock()
	counts := make(map[string]int64, len(s.candidates))
	for name, n := range s.candidates {
		counts[name] = n
	}
	return counts
}

func (s *service) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	bySeverity, err := s.anomalies.CountBySeverity(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "count by severity")
	}
	byType, err := s.anomalies.CountByType(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "count by type")
	}
	byDisposition, err := s.anomalies.CountByDisposition(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count by disposition")
	}

	total := 0
	for _, n := range bySeverity {
		total += n
	}
	return &Summary{
		Since:         since,
		Total:         total,
		BySeverity:    bySeverity,
		ByType:        byType,
		ByDisposition: byDisposition,
	}, nil
}

// dedupe collapses candidates sharing (type, feature), keeping the finding
// with the highest severity, then confidence, then score. Input order is
// preserved for the survivors.
func dedupe(candidates []Candidate) []Candidate {
	type key struct {
		typ     anomaly.Type
		feature string
	}
	best := make(map[key]int)
	var order []key

	for i, c := range candidates {
		k := key{c.Type, c.Feature}
		j, seen := best[k]
		if !seen {
			best[k] = i
			order = append(order, k)
			continue
		}
		if outranks(c, candidates[j]) {
			best[k] = i
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, candidates[best[k]])
	}
	return out
}

func outranks(a, b Candidate) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Score > b.Score
}

func isDetectorUnavailable(err error) bool {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == "DETECTOR_UNAVAILABLE"
	}
	return false
}
