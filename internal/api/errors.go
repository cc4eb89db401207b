package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/gateway"
	"github.com/alecgard/okrai/internal/prompt"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details []prompt.FieldError `json:"details,omitempty"`
}

// envelope is the standard success response shape.
type envelope struct {
	Status    string    `json:"status"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeValidation writes a 400 carrying every invalid field.
func writeValidation(w http.ResponseWriter, ve *prompt.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{
		Error: errorDetail{
			Code:    "validation_error",
			Message: "request validation failed",
			Details: ve.Fields,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeSuccess wraps data in the {status, data, timestamp} envelope.
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data, Timestamp: time.Now().UTC()})
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeServiceError translates an error from the assist pipeline. Anything
// unrecognised is logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *prompt.ValidationError
	var ue *gateway.UpstreamError
	switch {
	case errors.As(err, &ve):
		writeValidation(w, ve)
	case errors.Is(err, budget.ErrAutoStopped):
		writeError(w, http.StatusForbidden, "budget_auto_stopped", "AI spending is paused until the budget period resets or an operator resumes it")
	case errors.Is(err, budget.ErrBudgetExceeded):
		writeError(w, http.StatusForbidden, "budget_exceeded", err.Error())
	case gateway.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "the model provider did not respond in time")
	case errors.As(err, &ue), errors.Is(err, gateway.ErrNoProviders):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "the model provider is unavailable")
	default:
		slog.Error("unhandled request error",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
