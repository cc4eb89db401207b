package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alecgard/okrai/internal/assist"
	"github.com/alecgard/okrai/internal/auth"
	"github.com/alecgard/okrai/internal/prompt"
)

// generateHandler serves POST /api/ai/generate.
type generateHandler struct {
	assist *assist.Service
}

func newGenerateHandler(s *assist.Service) *generateHandler {
	return &generateHandler{assist: s}
}

type generateRequest struct {
	Operation string          `json:"operation"`
	Params    map[string]any  `json:"params"`
	Session   json.RawMessage `json:"session"`
}

type generateResponse struct {
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data"`
	Cached     bool            `json:"cached"`
	Usage      *assist.Usage   `json:"usage,omitempty"`
	Advisories []string        `json:"advisories,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Generate answers an assist operation for the authenticated principal.
func (h *generateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}
	session, err := prompt.DecodeSession(req.Session)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	identity := "anonymous"
	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		identity = p.ID
	}

	res, err := h.assist.Generate(r.Context(), identity, assist.Request{
		RequestID: RequestIDFromContext(r.Context()),
		Operation: req.Operation,
		Params:    req.Params,
		Session:   session,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Status:     "success",
		Data:       res.Data,
		Cached:     res.Cached,
		Usage:      res.Usage,
		Advisories: res.Advisories,
		Timestamp:  time.Now().UTC(),
	})
}
