package rest

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ResponseMeta contains response metadata
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse provides detailed error information
type ErrorResponse struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

func (h *Handler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	h.writeEnvelope(w, r, status, ResponseEnvelope{
		Success: true,
		Data:    data,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.GetStatusCode(err)
	resp := &ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "an unexpected error occurred",
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Code = appErr.Code
		resp.Message = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}

	h.writeEnvelope(w, r, status, ResponseEnvelope{
		Success: false,
		Error:   resp,
	})
}

func (h *Handler) writeValidationError(w http.ResponseWriter, r *http.Request, fields map[string][]string) {
	h.writeEnvelope(w, r, http.StatusBadRequest, ResponseEnvelope{
		Success: false,
		Error: &ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: "request validation failed",
			Fields:  fields,
		},
	})
}

func (h *Handler) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, envelope ResponseEnvelope) {
	envelope.Meta = ResponseMeta{
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
		Version:   h.apiVersion,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode response",
			slog.String("error", err.Error()))
	}
}
