package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/gateway"
	"github.com/alecgard/okrai/internal/prompt"
)

// ---------------------------------------------------------------------------
// Health check handler tests
// ---------------------------------------------------------------------------

func TestHealthCheck_OK(t *testing.T) {
	// Liveness needs no services.
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

// ---------------------------------------------------------------------------
// Well-known manifest tests
// ---------------------------------------------------------------------------

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/okrai.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}

	requiredFields := []string{"name", "description", "version", "api_base", "auth", "endpoints", "health"}
	for _, field := range requiredFields {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing required field %q", field)
		}
	}
	if apiBase, _ := manifest["api_base"].(string); apiBase != "/api/ai" {
		t.Errorf("expected api_base=/api/ai, got %q", apiBase)
	}

	endpoints, ok := manifest["endpoints"].(map[string]interface{})
	if !ok {
		t.Fatal("endpoints field is not an object")
	}
	for _, ep := range []string{"generate", "cache", "status", "budget_config", "budget_status"} {
		if _, ok := endpoints[ep]; !ok {
			t.Errorf("endpoints missing %q", ep)
		}
	}
}

func TestWellKnownHandler_ViaRouter(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/okrai.json", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via router, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// CORS middleware tests
// ---------------------------------------------------------------------------

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantStatus int
		wantAllow  string
		wantVary   bool
		wantNext   bool
	}{
		{"wildcard", []string{"*"}, "https://okr.example.com", http.MethodGet, http.StatusOK, "*", false, true},
		{"listed origin echoed", []string{"https://okr.example.com"}, "https://okr.example.com", http.MethodPost, http.StatusOK, "https://okr.example.com", true, true},
		{"trailing slash in config", []string{"https://okr.example.com/"}, "https://okr.example.com", http.MethodGet, http.StatusOK, "https://okr.example.com", true, true},
		{"unlisted origin", []string{"https://okr.example.com"}, "https://evil.example", http.MethodGet, http.StatusOK, "", false, true},
		{"no origin header", []string{"*"}, "", http.MethodGet, http.StatusOK, "", false, true},
		{"cors disabled", nil, "https://okr.example.com", http.MethodGet, http.StatusOK, "", false, true},
		{"preflight short-circuits", []string{"*"}, "https://okr.example.com", http.MethodOptions, http.StatusNoContent, "*", false, false},
		{"preflight from unlisted origin", []string{"https://okr.example.com"}, "https://evil.example", http.MethodOptions, http.StatusNoContent, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := corsMiddleware(tt.allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(tt.method, "/api/ai/cache", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if called != tt.wantNext {
				t.Errorf("next handler called=%v, want %v", called, tt.wantNext)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin: got %q, want %q", got, tt.wantAllow)
			}
			if got := rec.Header().Get("Vary") == "Origin"; got != tt.wantVary {
				t.Errorf("Vary Origin set=%v, want %v", got, tt.wantVary)
			}
			if tt.wantAllow != "" {
				if !strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After") {
					t.Error("rate limit headers should be exposed to browsers")
				}
				if rec.Header().Get("Access-Control-Allow-Methods") != corsMethods {
					t.Errorf("Allow-Methods: got %q", rec.Header().Get("Access-Control-Allow-Methods"))
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Secure headers middleware tests
// ---------------------------------------------------------------------------

func TestSecureHeaders(t *testing.T) {
	h := secureHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		path      string
		wantCache string
	}{
		{"/api/ai/cache", "no-store"},
		{"/health", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			for header, want := range map[string]string{
				"X-Content-Type-Options": "nosniff",
				"X-Frame-Options":        "DENY",
				"Referrer-Policy":        "no-referrer",
				"Cache-Control":          tt.wantCache,
			} {
				if got := rec.Header().Get(header); got != want {
					t.Errorf("%s: got %q, want %q", header, got, want)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Request ID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantKeep string // empty means a fresh UUID is expected
	}{
		{"generated when absent", "", ""},
		{"forwarded when valid", "okr-client_42.retry:1", "okr-client_42.retry:1"},
		{"whitespace trimmed", "  trace-7f3a \n", "trace-7f3a"},
		{"replaced when it has spaces", "drop table traces", ""},
		{"replaced when too long", strings.Repeat("a", maxRequestIDLen+1), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/ai/status", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			if got != ctxID {
				t.Errorf("context ID %q does not match response header %q", ctxID, got)
			}
			if tt.wantKeep != "" {
				if got != tt.wantKeep {
					t.Errorf("got %q, want %q", got, tt.wantKeep)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("expected a generated UUID, got %q", got)
			}
		})
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	if id := RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id := newRequestID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name, forwarded, remote, want string
	}{
		{"first forwarded hop", "203.0.113.7, 10.0.0.2", "10.0.0.1:5555", "203.0.113.7"},
		{"socket host", "", "192.0.2.10:41234", "192.0.2.10"},
		{"unparseable remote", "", "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// JSON helper tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusConflict, "alert_resolved", "alert is already resolved")

	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if envelope.Error.Code != "alert_resolved" || envelope.Error.Message != "alert is already resolved" {
		t.Errorf("unexpected envelope: %+v", envelope.Error)
	}
	if envelope.Error.Details != nil {
		t.Errorf("details should be omitted, got %+v", envelope.Error.Details)
	}
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSuccess(rec, map[string]int{"cleared": 3})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status    string         `json:"status"`
		Data      map[string]int `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Status != "success" || body.Data["cleared"] != 3 || body.Timestamp.IsZero() {
		t.Errorf("unexpected envelope: %+v", body)
	}
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"action":"optimize","params":{"targetFill":0.5}}`, false},
		{"malformed", `{"action":`, true},
		{"empty", "", true},
		{"too large", `{"action":"` + strings.Repeat("x", 1<<20) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/ai/cache", strings.NewReader(tt.body))
			var out struct {
				Action string          `json:"action"`
				Params json.RawMessage `json:"params"`
			}
			err := readJSON(req, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && out.Action != "optimize" {
				t.Errorf("action: got %q", out.Action)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Middleware integration via router
// ---------------------------------------------------------------------------

func TestRouter_GlobalMiddleware(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"https://okr.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://okr.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("secure headers not applied")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request ID not applied")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://okr.example.com" {
		t.Errorf("CORS not applied: %q", got)
	}
}

func TestRouter_PreflightSkipsAuth(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/ai/generate", nil)
	req.Header.Set("Origin", "https://okr.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// parseTimeParam tests
// ---------------------------------------------------------------------------

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantStr string // expected time formatted as RFC3339 or empty
	}{
		{
			name:    "empty string",
			input:   "",
			wantErr: false,
			wantStr: "",
		},
		{
			name:    "date only",
			input:   "2024-06-15",
			wantErr: false,
			wantStr: "2024-06-15T00:00:00Z",
		},
		{
			name:    "RFC3339",
			input:   "2024-06-15T10:30:00Z",
			wantErr: false,
			wantStr: "2024-06-15T10:30:00Z",
		},
		{
			name:    "invalid format",
			input:   "not-a-date",
			wantErr: true,
		},
		{
			name:    "partial date",
			input:   "2024-06",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseTimeParam(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantStr == "" {
				if !result.IsZero() {
					t.Errorf("expected zero time, got %v", result)
				}
			} else {
				if result.Format(time.RFC3339) != tt.wantStr {
					t.Errorf("expected %s, got %s", tt.wantStr, result.Format(time.RFC3339))
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Router 404 test
// ---------------------------------------------------------------------------

func TestRouter_NotFound(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent-path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Error translation tests
// ---------------------------------------------------------------------------

func TestWriteValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	writeValidation(rec, &prompt.ValidationError{Fields: []prompt.FieldError{
		{Field: "params.text", Message: "is required"},
		{Field: "params.kind", Message: "must be objective or key_result"},
	}})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if envelope.Error.Code != "validation_error" {
		t.Errorf("expected code=validation_error, got %q", envelope.Error.Code)
	}
	if len(envelope.Error.Details) != 2 || envelope.Error.Details[0].Field != "params.text" {
		t.Errorf("unexpected details: %+v", envelope.Error.Details)
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"validation", &prompt.ValidationError{Fields: []prompt.FieldError{{Field: "operation", Message: "x"}}}, http.StatusBadRequest, "validation_error"},
		{"budget exceeded", fmt.Errorf("%w: daily limit", budget.ErrBudgetExceeded), http.StatusForbidden, "budget_exceeded"},
		{"auto stopped", budget.ErrAutoStopped, http.StatusForbidden, "budget_auto_stopped"},
		{"timeout", &gateway.UpstreamError{Kind: gateway.KindTimeout, Provider: "primary", Err: errors.New("deadline")}, http.StatusGatewayTimeout, "upstream_timeout"},
		{"provider", fmt.Errorf("invoke: %w", &gateway.UpstreamError{Kind: gateway.KindProvider, Provider: "primary", Status: 502}), http.StatusServiceUnavailable, "upstream_unavailable"},
		{"no providers", gateway.ErrNoProviders, http.StatusServiceUnavailable, "upstream_unavailable"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/ai/generate", nil)
			writeServiceError(rec, req, tt.err)

			if rec.Code != tt.wantCode {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantCode)
			}
			var envelope errorEnvelope
			if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if envelope.Error.Code != tt.wantErr {
				t.Errorf("code: got %q, want %q", envelope.Error.Code, tt.wantErr)
			}
			if tt.wantCode == http.StatusInternalServerError && strings.Contains(envelope.Error.Message, "disk") {
				t.Error("internal error detail leaked to the client")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Metrics middleware tests
// ---------------------------------------------------------------------------

type httpObservation struct {
	method, pattern string
	status          int
}

type recordingHTTP struct {
	observed []httpObservation
}

func (r *recordingHTTP) ObserveHTTPRequest(method, pattern string, status int, _ float64, _ int) {
	r.observed = append(r.observed, httpObservation{method, pattern, status})
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	rec := &recordingHTTP{}
	r := chi.NewRouter()
	r.Use(metricsMiddleware(rec))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/items/1", "/items/2", "/plain", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	want := []httpObservation{
		{http.MethodGet, "/items/{id}", http.StatusTeapot},
		{http.MethodGet, "/items/{id}", http.StatusTeapot},
		{http.MethodGet, "/plain", http.StatusOK},
		{http.MethodGet, "unmatched", http.StatusNotFound},
	}
	if len(rec.observed) != len(want) {
		t.Fatalf("expected %d observations, got %d: %+v", len(want), len(rec.observed), rec.observed)
	}
	for i := range want {
		if rec.observed[i] != want[i] {
			t.Errorf("observation %d: got %+v, want %+v", i, rec.observed[i], want[i])
		}
	}
}
