package api

import (
	"net/http"

	"github.com/alecgard/okrai/internal/budget"
)

// budgetHandler serves /api/ai/budget.
type budgetHandler struct {
	guard *budget.Guard
}

func newBudgetHandler(g *budget.Guard) *budgetHandler {
	return &budgetHandler{guard: g}
}

// GetConfig handles GET /api/ai/budget/config.
func (h *budgetHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, h.guard.Config())
}

// PutConfig handles PUT /api/ai/budget/config. The body replaces the whole
// configuration.
func (h *budgetHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg budget.Config
	if err := readJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	if err := h.guard.ReplaceConfig(r.Context(), cfg); err != nil {
		writeServiceError(w, r, err)
		return
	}

	auditLog(r, "budget.update", "budget_config", "global",
		"daily_limit_cents", cfg.DailyLimitCents,
		"monthly_limit_cents", cfg.MonthlyLimitCents,
	)
	writeSuccess(w, h.guard.Config())
}

type budgetStatus struct {
	State      budget.State      `json:"state"`
	Advisories budget.Advisories `json:"advisories"`
	History    budgetHistory     `json:"history"`
}

type budgetHistory struct {
	Daily   []budget.PeriodTotal `json:"daily"`
	Monthly []budget.PeriodTotal `json:"monthly"`
}

// GetStatus handles GET /api/ai/budget/status.
func (h *budgetHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	daily, monthly := h.guard.History()
	writeSuccess(w, budgetStatus{
		State:      h.guard.State(),
		Advisories: h.guard.Advisories(),
		History:    budgetHistory{Daily: daily, Monthly: monthly},
	})
}

// Resume handles POST /api/ai/budget/resume.
func (h *budgetHandler) Resume(w http.ResponseWriter, r *http.Request) {
	wasStopped := h.guard.Resume()
	auditLog(r, "budget.resume", "budget_config", "global", "was_stopped", wasStopped)
	writeSuccess(w, map[string]any{
		"resumed": wasStopped,
		"state":   h.guard.State(),
	})
}
