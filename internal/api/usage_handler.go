package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/okrai/internal/auth"
	"github.com/alecgard/okrai/internal/metering"
)

// UsageStore is the read side of the usage ledger.
type UsageStore interface {
	GetSummary(ctx context.Context, q metering.Query) (*metering.Summary, error)
	ListRecords(ctx context.Context, q metering.Query) ([]*metering.Record, string, error)
}

// usageHandler serves the caller's own usage ledger.
type usageHandler struct {
	store UsageStore
}

func newUsageHandler(store UsageStore) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildUsageQuery constructs a ledger query scoped to the authenticated
// principal.
func buildUsageQuery(r *http.Request) (metering.Query, error) {
	var q metering.Query
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		q.Identity = p.ID
	}
	q.Operation = r.URL.Query().Get("operation")

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return q, errors.New("from: " + err.Error())
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return q, errors.New("to: " + err.Error())
	}
	q.To = to

	q.Cursor = r.URL.Query().Get("cursor")

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = l
	}

	return q, nil
}

// GetUsage handles GET /api/ai/usage.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "usage_unavailable", "usage ledger is not configured")
		return
	}
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}

	writeSuccess(w, summary)
}

// ListRecords handles GET /api/ai/usage/records.
func (h *usageHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "usage_unavailable", "usage ledger is not configured")
		return
	}
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	records, nextCursor, err := h.store.ListRecords(r.Context(), q)
	if errors.Is(err, metering.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid cursor")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage records")
		return
	}

	resp := map[string]interface{}{
		"records": records,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeSuccess(w, resp)
}
