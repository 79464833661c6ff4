package rest

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/behavior"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
	"github.com/davidleathers/device-trust-analytics-backend/internal/infrastructure/repository"
	"github.com/davidleathers/device-trust-analytics-backend/internal/service/alerting"
	"github.com/davidleathers/device-trust-analytics-backend/internal/service/detection"
	"github.com/davidleathers/device-trust-analytics-backend/internal/service/profiling"
)

const maxBodySize = 1 << 20 // 1MB

// Handler serves the analytics API
type Handler struct {
	detection  detection.Service
	profiling  profiling.Service
	alerting   alerting.Service
	anomalies  repository.AnomalyRepository
	validator  *validator.Validate
	logger     *slog.Logger
	apiVersion string
}

// NewHandler creates the API handler
func NewHandler(
	detectionSvc detection.Service,
	profilingSvc profiling.Service,
	alertingSvc alerting.Service,
	anomalies repository.AnomalyRepository,
	logger *slog.Logger,
	apiVersion string,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if apiVersion == "" {
		apiVersion = "v1"
	}
	return &Handler{
		detection:  detectionSvc,
		profiling:  profilingSvc,
		alerting:   alertingSvc,
		anomalies:  anomalies,
		validator:  validator.New(),
		logger:     logger,
		apiVersion: apiVersion,
	}
}

// Routes builds the request mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/telemetry", h.handleIngestTelemetry)
	mux.HandleFunc("POST /api/v1/telemetry/batch", h.handleIngestBatch)

	mux.HandleFunc("GET /api/v1/anomalies", h.handleListAnomalies)
	mux.HandleFunc("GET /api/v1/anomalies/{id}", h.handleGetAnomaly)
	mux.HandleFunc("POST /api/v1/anomalies/{id}/confirm", h.handleConfirmAnomaly)
	mux.HandleFunc("POST /api/v1/anomalies/{id}/false-positive", h.handleFalsePositive)
	mux.HandleFunc("POST /api/v1/anomalies/{id}/resolve", h.handleResolveAnomaly)

	mux.HandleFunc("GET /api/v1/devices/{id}/baselines", h.handleListBaselines)
	mux.HandleFunc("GET /api/v1/devices/{id}/baselines/{category}", h.handleGetBaseline)
	mux.HandleFunc("POST /api/v1/devices/{id}/baselines/{category}/rebuild", h.handleRebuildBaseline)
	mux.HandleFunc("POST /api/v1/devices/{id}/baselines/rebuild", h.handleRebuildAllBaselines)
	mux.HandleFunc("GET /api/v1/devices/{id}/profile", h.handleGetProfile)

	mux.HandleFunc("GET /api/v1/stats", h.handleStats)
	mux.HandleFunc("GET /api/v1/stats/summary", h.handleSummary)
	mux.HandleFunc("POST /api/v1/alerts/dispatch", h.handleDispatchAlerts)

	mux.HandleFunc("GET /healthz", h.handleHealthz)

	return mux
}

func (h *Handler) handleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var req TelemetryRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := req.toSnapshot()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	found, err := h.detection.ProcessSnapshot(r.Context(), snap)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Alerts for fresh findings go out inline; a failed delivery is
	// retried by the next dispatch sweep.
	for _, a := range found {
		if _, err := h.alerting.DispatchAnomaly(r.Context(), a); err != nil {
			h.logger.WarnContext(r.Context(), "inline alert dispatch failed",
				slog.String("anomaly_id", a.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	h.writeSuccess(w, r, http.StatusAccepted, map[string]interface{}{
		"snapshot_id": snap.ID,
		"anomalies":   found,
	})
}

func (h *Handler) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req TelemetryBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	converted, err := convertBatch(req.Snapshots)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.detection.ProcessBatch(r.Context(), converted)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	failed := make(map[string]string, len(result.Failed))
	for deviceID, ferr := range result.Failed {
		failed[deviceID] = ferr.Error()
	}

	h.writeSuccess(w, r, http.StatusAccepted, map[string]interface{}{
		"samples_processed": result.SamplesProcessed,
		"devices_seen":      result.DevicesSeen,
		"anomalies":         result.Anomalies,
		"failed":            failed,
	})
}

func (h *Handler) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	filter := repository.AnomalyFilter{
		DeviceID: r.URL.Query().Get("device_id"),
		OrderBy:  r.URL.Query().Get("order_by"),
	}

	if v := r.URL.Query().Get("severity"); v != "" {
		sev := anomaly.ParseSeverity(v)
		filter.Severity = &sev
	}
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev := anomaly.ParseSeverity(v)
		filter.MinSeverity = &sev
	}
	if v := r.URL.Query().Get("disposition"); v != "" {
		disp := anomaly.ParseDisposition(v)
		filter.Disposition = &disp
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeValidationError(w, r, map[string][]string{"since": {"must be RFC3339"}})
			return
		}
		filter.Since = &since
	}
	filter.Limit = queryInt(r, "limit", 50)
	filter.Offset = queryInt(r, "offset", 0)
	if filter.Limit > 500 {
		filter.Limit = 500
	}

	list, err := h.anomalies.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, map[string]interface{}{
		"anomalies": list,
		"count":     len(list),
	})
}

func (h *Handler) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}
	a, err := h.anomalies.GetByID(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			h.writeError(w, r, errors.ErrAnomalyNotFound)
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, a)
}

func (h *Handler) handleConfirmAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}
	a, err := h.detection.Confirm(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, a)
}

func (h *Handler) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}
	a, err := h.detection.MarkFalsePositive(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, a)
}

func (h *Handler) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.detection.Resolve(r.Context(), id, req.ResolvedBy, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, a)
}

func (h *Handler) handleListBaselines(w http.ResponseWriter, r *http.Request) {
	baselines, err := h.profiling.ListBaselines(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, map[string]interface{}{
		"device_id": r.PathValue("id"),
		"baselines": baselines,
		"count":     len(baselines),
	})
}

func (h *Handler) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	category, ok := h.pathCategory(w, r)
	if !ok {
		return
	}
	baseline, err := h.profiling.ActiveBaseline(r.Context(), r.PathValue("id"), category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, baseline)
}

func (h *Handler) handleRebuildBaseline(w http.ResponseWriter, r *http.Request) {
	category, ok := h.pathCategory(w, r)
	if !ok {
		return
	}
	baseline, err := h.profiling.BuildBaseline(r.Context(), r.PathValue("id"), category, queryForce(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, baseline)
}

func (h *Handler) handleRebuildAllBaselines(w http.ResponseWriter, r *http.Request) {
	set, err := h.profiling.BuildAllBaselines(r.Context(), r.PathValue("id"), queryForce(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, set)
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiling.ActiveProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, profile)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.detection.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, stats)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -1)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeValidationError(w, r, map[string][]string{"since": {"must be RFC3339"}})
			return
		}
		since = parsed
	}
	summary, err := h.detection.Summary(r.Context(), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, summary)
}

func (h *Handler) handleDispatchAlerts(w http.ResponseWriter, r *http.Request) {
	report, err := h.alerting.DispatchPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, report)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

// decode reads, unmarshals and validates a JSON body
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, r, errors.NewValidationError("INVALID_BODY", "failed to read request body"))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, r, errors.NewValidationError("INVALID_JSON", "request body is not valid JSON"))
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var invalid validator.ValidationErrors
		if stderrors.As(err, &invalid) {
			fields := make(map[string][]string, len(invalid))
			for _, fe := range invalid {
				fields[fe.Field()] = append(fields[fe.Field()], fe.Tag())
			}
			h.writeValidationError(w, r, fields)
			return false
		}
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) pathCategory(w http.ResponseWriter, r *http.Request) (behavior.Category, bool) {
	category, ok := behavior.ParseCategory(r.PathValue("category"))
	if !ok {
		h.writeError(w, r, errors.NewValidationError("INVALID_CATEGORY", "unknown baseline category: "+r.PathValue("category")))
		return "", false
	}
	return category, true
}

// queryForce reads the rebuild force flag, defaulting to a full rebuild
func queryForce(r *http.Request) bool {
	switch r.URL.Query().Get("force") {
	case "false", "0":
		return false
	}
	return true
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, errors.NewValidationError("INVALID_ID", "id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
