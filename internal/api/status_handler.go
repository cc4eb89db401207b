package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/okrai/internal/health"
)

// statusHandler serves the composed health view at /api/ai/status.
type statusHandler struct {
	health *health.Service
}

func newStatusHandler(h *health.Service) *statusHandler {
	return &statusHandler{health: h}
}

// Get runs every registered check.
func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, nil)
}

// Post runs the checks named in {"checks": [...]}, or all of them when the
// body is empty.
func (h *statusHandler) Post(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Checks []string `json:"checks"`
	}
	if err := readJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}
	h.run(w, r, body.Checks)
}

func (h *statusHandler) run(w http.ResponseWriter, r *http.Request, names []string) {
	report, err := h.health.Run(r.Context(), names)
	if err != nil {
		var unknown *health.UnknownCheckError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusBadRequest, "unknown_check", err.Error())
			return
		}
		writeServiceError(w, r, err)
		return
	}

	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}
