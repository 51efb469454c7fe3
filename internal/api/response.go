package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openjobspec/schedmq/internal/core"
)

// MediaType is the content type of every API response.
const MediaType = "application/json"

// ErrorResponse wraps an error in the API envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the error payload.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// WriteError writes a core error with the given status.
func WriteError(w http.ResponseWriter, status int, e *core.Error) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}

// HandleError maps err onto an HTTP status by its core error code.
func HandleError(w http.ResponseWriter, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		slog.Error("unhandled error", "error", err)
		WriteError(w, http.StatusInternalServerError, &core.Error{
			Code:    "internal_error",
			Message: "Internal server error.",
		})
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case core.ErrCodeInvalidRequest:
		status = http.StatusBadRequest
	case core.ErrCodeNotFound:
		status = http.StatusNotFound
	case core.ErrCodeConflict:
		status = http.StatusConflict
	case core.ErrCodeInfra:
		status = http.StatusServiceUnavailable
	}
	WriteError(w, status, e)
}
