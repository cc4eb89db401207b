// Package assist runs AI generation requests through the cache, budget,
// monitor and gateway in order.
package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/cache"
	"github.com/alecgard/okrai/internal/gateway"
	"github.com/alecgard/okrai/internal/metering"
	"github.com/alecgard/okrai/internal/prompt"
)

// WarmingIdentity is the ledger identity of cache warming calls.
const WarmingIdentity = "system:warming"

// ResponseCache is the subset of *cache.Cache used by the service.
type ResponseCache interface {
	Get(operation string, params any) (json.RawMessage, bool)
	Set(operation string, params any, value any, opts cache.SetOptions) bool
}

// Budget is the subset of *budget.Guard used by the service.
type Budget interface {
	Preauthorize(estimatedCents int64) error
	RecordSpend(cents int64) error
	Advises(action string) bool
	Advisories() budget.Advisories
}

// Tracker is the subset of *monitor.Monitor used by the service.
type Tracker interface {
	StartRequest(requestID, operation string)
	EndRequest(requestID string, success bool)
}

// Invoker is the subset of *gateway.Client used by the service.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Estimate(req gateway.Request) int64
}

// TokenCounter is the subset of *ratelimit.Limiter used by the service.
type TokenCounter interface {
	AddTokens(identity string, n int)
}

// UsageRecorder is the subset of *metering.Collector used by the service.
type UsageRecorder interface {
	Record(r metering.Record)
}

// MetricsRecorder is an optional interface for recording assist metrics.
type MetricsRecorder interface {
	IncGeneration(operation, outcome string)
	IncBudgetRejection(reason string)
}

// Request is one generation request.
type Request struct {
	RequestID string
	Operation string
	Params    map[string]any
	Session   prompt.Session
}

// Usage describes the model call behind a result. It is nil on cache hits.
type Usage struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	CostCents        int64  `json:"costCents"`
	LatencyMs        int64  `json:"latencyMs"`
}

// Result is a generation outcome.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Cached     bool            `json:"cached"`
	Usage      *Usage          `json:"usage,omitempty"`
	Advisories []string        `json:"advisories,omitempty"`
}

// Options configures a Service.
type Options struct {
	FallbackModel string
	// TTLs overrides the cache default TTL per operation.
	TTLs map[string]time.Duration
}

// Deps are the collaborators of a Service. Tokens, Usage and Metrics are
// optional.
type Deps struct {
	Cache   ResponseCache
	Budget  Budget
	Monitor Tracker
	Gateway Invoker
	Tokens  TokenCounter
	Usage   UsageRecorder
	Metrics MetricsRecorder
}

// Service is safe for concurrent use.
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(deps Deps, opts Options) *Service {
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: slog.Default().With("component", "assist"),
	}
}

// cacheParams is what the cache key is derived from. Session context changes
// the prompt, so it is part of the key when present.
func cacheParams(req Request) any {
	if req.Session == nil {
		return req.Params
	}
	return map[string]any{
		"params":      req.Params,
		"session":     req.Session,
		"sessionType": req.Session.Kind(),
	}
}

// Generate answers req from the cache or, on a miss, from the model. Invalid
// input is rejected with a *prompt.ValidationError before any component is
// touched.
func (s *Service) Generate(ctx context.Context, identity string, req Request) (*Result, error) {
	p, err := prompt.Build(req.Operation, req.Params, req.Session)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	key := cacheParams(req)

	if v, ok := s.deps.Cache.Get(req.Operation, key); ok {
		s.record(metering.Record{
			RequestID: req.RequestID,
			Identity:  identity,
			Operation: req.Operation,
			Success:   true,
			CacheHit:  true,
		})
		s.incGeneration(req.Operation, "cached")
		return &Result{Data: v, Cached: true, Advisories: s.deps.Budget.Advisories().Active}, nil
	}

	resp, err := s.invoke(ctx, identity, req, p)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("encoding generated text: %w", err)
	}
	opts := cache.SetOptions{TTL: s.opts.TTLs[req.Operation], Tags: []string{"generated"}}
	if !s.deps.Cache.Set(req.Operation, key, resp.Text, opts) {
		s.logger.Debug("generated response not cached", "operation", req.Operation, "bytes", len(data))
	}

	return &Result{
		Data:       data,
		Usage:      usageOf(resp),
		Advisories: s.deps.Budget.Advisories().Active,
	}, nil
}

// Load is a cache.Loader for warming. It calls the model without consulting
// or writing the cache; the warmer stores the value itself.
func (s *Service) Load(ctx context.Context, operation string, params map[string]any) (any, error) {
	p, err := prompt.Build(operation, params, nil)
	if err != nil {
		return nil, err
	}
	req := Request{RequestID: uuid.NewString(), Operation: operation, Params: params}
	resp, err := s.invoke(ctx, WarmingIdentity, req, p)
	if err != nil {
		return nil, err
	}
	return resp.Text, nil
}

// invoke runs the budget check, the traced model call and the spend
// accounting. Every outcome is written to the usage ledger.
func (s *Service) invoke(ctx context.Context, identity string, req Request, p prompt.Prompt) (*gateway.Response, error) {
	greq := gateway.Request{
		Operation:   req.Operation,
		Prompt:      p.User,
		System:      p.System,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	if s.opts.FallbackModel != "" && s.deps.Budget.Advises(budget.ActionDowngradeModel) {
		greq.Model = s.opts.FallbackModel
		s.logger.Info("budget rule advises downgrade, using fallback model",
			"operation", req.Operation,
			"model", greq.Model,
		)
	}

	rec := metering.Record{
		RequestID: req.RequestID,
		Identity:  identity,
		Operation: req.Operation,
		Model:     greq.Model,
	}

	if err := s.deps.Budget.Preauthorize(s.deps.Gateway.Estimate(greq)); err != nil {
		reason := "exceeded"
		if errors.Is(err, budget.ErrAutoStopped) {
			reason = "auto_stopped"
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.IncBudgetRejection(reason)
		}
		rec.ErrorKind = "budget_" + reason
		s.record(rec)
		s.incGeneration(req.Operation, "rejected")
		return nil, err
	}

	// Request IDs can come from callers and need not be unique, so traces
	// are keyed by an ID minted here.
	traceID := uuid.NewString()
	s.deps.Monitor.StartRequest(traceID, req.Operation)
	start := time.Now()
	resp, err := s.deps.Gateway.Invoke(ctx, greq)
	latency := time.Since(start)
	s.deps.Monitor.EndRequest(traceID, err == nil)
	rec.LatencyMs = latency.Milliseconds()

	if err != nil {
		rec.ErrorKind = string(gateway.KindProvider)
		var ue *gateway.UpstreamError
		if errors.As(err, &ue) {
			rec.ErrorKind = string(ue.Kind)
			rec.Provider = ue.Provider
		}
		s.record(rec)
		s.incGeneration(req.Operation, "failed")
		s.logger.Error("model invocation failed",
			"operation", req.Operation,
			"params_hash", paramsHash(req),
			"latency_ms", rec.LatencyMs,
			"request_id", req.RequestID,
			"trace_id", traceID,
			"error", err,
		)
		return nil, err
	}

	if err := s.deps.Budget.RecordSpend(resp.CostCents); err != nil {
		s.logger.Error("recording spend", "cents", resp.CostCents, "error", err)
	}
	if s.deps.Tokens != nil {
		s.deps.Tokens.AddTokens(identity, resp.Usage.TotalTokens)
	}

	rec.Provider = resp.Provider
	rec.Model = resp.Model
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens
	rec.CostCents = resp.CostCents
	rec.Success = true
	s.record(rec)
	s.incGeneration(req.Operation, "generated")

	return resp, nil
}

func (s *Service) record(r metering.Record) {
	if s.deps.Usage == nil {
		return
	}
	r.Timestamp = time.Now()
	s.deps.Usage.Record(r)
}

func (s *Service) incGeneration(operation, outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncGeneration(operation, outcome)
	}
}

func paramsHash(req Request) string {
	key, _, err := cache.Key(req.Operation, cacheParams(req))
	if err != nil {
		return "unhashable"
	}
	const n = 16
	return key[:n]
}

func usageOf(resp *gateway.Response) *Usage {
	return &Usage{
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostCents:        resp.CostCents,
		LatencyMs:        resp.Latency.Milliseconds(),
	}
}
