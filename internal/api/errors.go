package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/metropolis-io/metropolis/internal/core"
)

// ErrorResponse is the envelope for every error payload.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the structured error plus the request ID for
// correlation with server logs.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", core.MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a structured error response with the given status.
func WriteError(w http.ResponseWriter, status int, coreErr *core.Error) {
	resp := ErrorResponse{Error: ErrorBody{
		Code:      coreErr.Code,
		Message:   coreErr.Message,
		Details:   coreErr.Details,
		Retryable: coreErr.Retryable,
		RequestID: w.Header().Get("X-Request-Id"),
	}}
	WriteJSON(w, status, resp)
}

// RespondError maps an error from the orchestration layer onto an HTTP
// status and writes it. Unrecognized errors become opaque 500s so internal
// detail never leaks.
func RespondError(w http.ResponseWriter, err error) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		slog.Error("unhandled error", "error", err)
		WriteError(w, http.StatusInternalServerError, core.NewInternalError("An internal error occurred."))
		return
	}
	WriteError(w, statusFor(coreErr.Code), coreErr)
}

func statusFor(code string) int {
	switch code {
	case core.ErrCodeValidation:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict, core.ErrCodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
