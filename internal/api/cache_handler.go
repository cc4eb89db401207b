package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/okrai/internal/cache"
	"github.com/alecgard/okrai/internal/health"
	"github.com/alecgard/okrai/internal/monitor"
)

const (
	defaultReportWindow = time.Hour
	defaultOptimizeFill = 0.8
)

// cacheHandler serves /api/ai/cache.
type cacheHandler struct {
	cache   *cache.Cache
	warmer  *cache.Warmer
	monitor *monitor.Monitor
	health  *health.Service
}

func newCacheHandler(c *cache.Cache, w *cache.Warmer, m *monitor.Monitor, h *health.Service) *cacheHandler {
	return &cacheHandler{cache: c, warmer: w, monitor: m, health: h}
}

// Get handles GET /api/ai/cache?action=stats|health|insights|report|export.
func (h *cacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	switch action := r.URL.Query().Get("action"); action {
	case "", "stats":
		writeSuccess(w, h.cache.AdvancedStats())

	case "health":
		report, err := h.health.Run(r.Context(), []string{health.CheckCache, health.CheckMemory})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "cache health checks are not registered")
			return
		}
		stats := h.cache.AdvancedStats()
		writeSuccess(w, map[string]any{
			"status":        report.Status,
			"checks":        report.Checks,
			"hitRate":       stats.HitRate,
			"memoryUsage":   stats.MemoryUsage,
			"warmingStatus": stats.WarmingStatus,
		})

	case "insights":
		writeSuccess(w, map[string]any{"insights": h.monitor.GenerateInsights()})

	case "report":
		window := defaultReportWindow
		if s := r.URL.Query().Get("window"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_params", "window must be a positive duration such as 30m or 24h")
				return
			}
			window = d
		}
		writeSuccess(w, map[string]any{
			"performance": h.monitor.Report(window),
			"cache":       h.cache.AdvancedStats(),
		})

	case "export":
		writeSuccess(w, map[string]any{
			"cache":       h.cache.Export(),
			"performance": h.monitor.ExportData(),
		})

	default:
		writeError(w, http.StatusBadRequest, "invalid_action", "unknown action "+quote(action))
	}
}

type cacheRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// entryParams addresses a single cache entry.
type entryParams struct {
	Operation string          `json:"operation"`
	Params    map[string]any  `json:"params"`
	Data      json.RawMessage `json:"data"`
	TTL       string          `json:"ttl"`
	Tags      []string        `json:"tags"`
}

type alertParams struct {
	AlertID string `json:"alertId"`
}

// Post handles POST /api/ai/cache with {action, params}.
func (h *cacheHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req cacheRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}

	switch req.Action {
	case "warm":
		h.warm(w, r)
	case "clear":
		h.cache.Clear()
		auditLog(r, "cache.clear", "cache", "*")
		writeSuccess(w, map[string]any{"cleared": true})
	case "optimize":
		h.optimize(w, r, req.Params)
	case "set":
		h.set(w, r, req.Params)
	case "get":
		h.get(w, req.Params)
	case "import":
		h.importSnapshot(w, r, req.Params)
	case "acknowledge_alert":
		h.acknowledge(w, r, req.Params)
	case "resolve_alert":
		h.resolve(w, r, req.Params)
	case "":
		writeError(w, http.StatusBadRequest, "invalid_action", "action is required")
	default:
		writeError(w, http.StatusBadRequest, "invalid_action", "unknown action "+quote(req.Action))
	}
}

func (h *cacheHandler) warm(w http.ResponseWriter, r *http.Request) {
	if h.warmer == nil {
		writeError(w, http.StatusServiceUnavailable, "warming_unavailable", "cache warming is not configured")
		return
	}
	// The pass outlives the request.
	started := h.warmer.PerformWarming(context.WithoutCancel(r.Context()))
	auditLog(r, "cache.warm", "cache", "*", "started", started)
	writeSuccess(w, map[string]any{
		"started":       started,
		"warmingStatus": h.cache.AdvancedStats().WarmingStatus,
	})
}

func (h *cacheHandler) optimize(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p struct {
		TargetFill float64 `json:"targetFill"`
	}
	if err := decodeParams(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if p.TargetFill == 0 {
		p.TargetFill = defaultOptimizeFill
	}
	if p.TargetFill < 0 || p.TargetFill > 1 {
		writeError(w, http.StatusBadRequest, "invalid_params", "targetFill must be between 0 and 1")
		return
	}
	res := h.cache.Optimize(p.TargetFill)
	auditLog(r, "cache.optimize", "cache", "*", "expired", res.Expired, "evicted", res.Evicted)
	writeSuccess(w, res)
}

func (h *cacheHandler) set(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p entryParams
	if err := decodeParams(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(p.Operation) == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "params.operation is required")
		return
	}
	if len(p.Data) == 0 || string(p.Data) == "null" {
		writeError(w, http.StatusBadRequest, "invalid_params", "params.data is required")
		return
	}
	var ttl time.Duration
	if p.TTL != "" {
		d, err := time.ParseDuration(p.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_params", "params.ttl must be a positive duration")
			return
		}
		ttl = d
	}

	if !h.cache.Set(p.Operation, p.Params, p.Data, cache.SetOptions{TTL: ttl, Tags: p.Tags}) {
		writeError(w, http.StatusBadRequest, "not_cached", "entry was not stored: the cache is disabled or the entry is too large")
		return
	}
	auditLog(r, "cache.set", "cache_entry", p.Operation)
	writeSuccess(w, map[string]any{"stored": true})
}

type getResponse struct {
	Status    string          `json:"status"`
	Hit       bool            `json:"hit"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (h *cacheHandler) get(w http.ResponseWriter, raw json.RawMessage) {
	var p entryParams
	if err := decodeParams(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(p.Operation) == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "params.operation is required")
		return
	}

	resp := getResponse{Status: "success", Data: json.RawMessage("null"), Timestamp: time.Now().UTC()}
	if v, ok := h.cache.Get(p.Operation, p.Params); ok {
		resp.Hit = true
		resp.Data = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *cacheHandler) importSnapshot(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_params", "params must be a cache snapshot")
		return
	}
	res, err := h.cache.ImportJSON(raw)
	if err != nil {
		if errors.Is(err, cache.ErrInvalidSnapshot) {
			writeError(w, http.StatusBadRequest, "invalid_snapshot", err.Error())
			return
		}
		writeServiceError(w, r, err)
		return
	}
	size := h.cache.AdvancedStats().Size
	auditLog(r, "cache.import", "cache", "*", "applied", res.Applied, "dropped", res.Dropped, "evicted", res.Evicted, "size", size)
	writeSuccess(w, map[string]any{
		"imported": true,
		"applied":  res.Applied,
		"expired":  res.Expired,
		"dropped":  res.Dropped,
		"evicted":  res.Evicted,
		"size":     size,
	})
}

func (h *cacheHandler) acknowledge(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	id, ok := alertID(w, raw)
	if !ok {
		return
	}
	if _, exists := h.monitor.Alert(id); !exists {
		writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	if !h.monitor.AcknowledgeAlert(id) {
		writeError(w, http.StatusConflict, "alert_resolved", "alert is already resolved")
		return
	}
	auditLog(r, "alert.acknowledge", "alert", id)
	a, _ := h.monitor.Alert(id)
	writeSuccess(w, a)
}

func (h *cacheHandler) resolve(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	id, ok := alertID(w, raw)
	if !ok {
		return
	}
	if !h.monitor.ResolveAlert(id) {
		writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	auditLog(r, "alert.resolve", "alert", id)
	a, _ := h.monitor.Alert(id)
	writeSuccess(w, a)
}

// Delete handles DELETE /api/ai/cache?tag=...|operation=...&confirm=true.
func (h *cacheHandler) Delete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "confirmation_required", "add confirm=true to delete cache entries")
		return
	}
	tag, op := q.Get("tag"), q.Get("operation")

	var n int
	switch {
	case tag != "" && op != "":
		writeError(w, http.StatusBadRequest, "invalid_params", "specify tag or operation, not both")
		return
	case tag != "":
		n = h.cache.ClearByTag(tag)
		auditLog(r, "cache.clear_tag", "cache", tag, "cleared", n)
	case op != "":
		n = h.cache.ClearByOperation(op)
		auditLog(r, "cache.clear_operation", "cache", op, "cleared", n)
	default:
		writeError(w, http.StatusBadRequest, "invalid_params", "tag or operation is required")
		return
	}
	writeSuccess(w, map[string]any{"cleared": n})
}

func alertID(w http.ResponseWriter, raw json.RawMessage) (string, bool) {
	var p alertParams
	if err := decodeParams(raw, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return "", false
	}
	if p.AlertID == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "params.alertId is required")
		return "", false
	}
	return p.AlertID, true
}

// decodeParams decodes an action's params. Absent params decode to the zero
// value.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New("malformed params: " + err.Error())
	}
	return nil
}

func quote(s string) string {
	return `"` + s + `"`
}
