package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/okrai.json.
const wellKnownManifest = `{
  "name": "okrai",
  "description": "AI assistance backend for OKR planning and tracking",
  "version": "0.1.0",
  "api_base": "/api/ai",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "generate": "/api/ai/generate",
    "cache": "/api/ai/cache",
    "status": "/api/ai/status",
    "budget_config": "/api/ai/budget/config",
    "budget_status": "/api/ai/budget/status",
    "usage": "/api/ai/usage",
    "metrics": "/api/ai/metrics"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
