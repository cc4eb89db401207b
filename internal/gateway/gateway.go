// Package gateway is the client for OpenAI-compatible chat completion
// providers. It is the only component that performs network I/O on the
// request path.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 512
	maxResponseBytes = 4 << 20
)

// Provider is one entry of the ordered failover list.
type Provider struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

// Request is a single model invocation.
type Request struct {
	Operation   string
	Prompt      string
	System      string
	Model       string // overrides the provider model when set
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is a successful invocation.
type Response struct {
	Text      string        `json:"text"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Usage     Usage         `json:"usage"`
	CostCents int64         `json:"costCents"`
	Latency   time.Duration `json:"-"`
}

// MetricsRecorder is an optional interface for recording gateway metrics.
type MetricsRecorder interface {
	IncGatewayRequests(provider string, status int)
	ObserveUpstreamDuration(provider string, seconds float64)
	IncUpstreamError(kind, provider string)
}

// Options configures a Client.
type Options struct {
	Providers    []Provider
	Timeout      time.Duration
	MaxRetries   int
	DefaultModel string
	Pricing      Pricing
	HTTPClient   *http.Client
}

// Client invokes providers in order until one succeeds.
type Client struct {
	providers    []Provider
	http         *http.Client
	timeout      time.Duration
	maxRetries   int
	defaultModel string
	pricing      Pricing
	metrics      MetricsRecorder
	newBackOff   func() backoff.BackOff
	logger       *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		providers:    opts.Providers,
		http:         hc,
		timeout:      opts.Timeout,
		maxRetries:   opts.MaxRetries,
		defaultModel: opts.DefaultModel,
		pricing:      opts.Pricing,
		newBackOff:   defaultBackOff,
		logger:       slog.Default().With("component", "gateway"),
	}
}

func defaultBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	// The invocation deadline bounds total retry time.
	expo.MaxElapsedTime = 0
	return expo
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Providers returns the configured provider names in failover order.
func (c *Client) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name
	}
	return names
}

// Pricing returns the model price table.
func (c *Client) Pricing() Pricing {
	return c.pricing
}

func (c *Client) model(p Provider, req Request) string {
	switch {
	case req.Model != "":
		return req.Model
	case p.Model != "":
		return p.Model
	default:
		return c.defaultModel
	}
}

// Estimate returns the expected cost in cents of req on the primary provider.
func (c *Client) Estimate(req Request) int64 {
	var p Provider
	if len(c.providers) > 0 {
		p = c.providers[0]
	}
	return c.pricing.Estimate(c.model(p, req), req)
}

// Invoke sends req to each provider in order, retrying transient failures
// with exponential backoff, until one succeeds. The whole call, including
// retries and failover, is bounded by the client timeout.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	if len(c.providers) == 0 {
		return nil, &UpstreamError{Kind: KindProvider, Err: ErrNoProviders}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr *UpstreamError
	for i, p := range c.providers {
		resp, err := c.invokeProvider(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		lastErr = classify(p.Name, err)

		if ctx.Err() != nil {
			// The deadline covers every provider; failover cannot help.
			lastErr = classify(p.Name, ctx.Err())
			break
		}
		if i < len(c.providers)-1 {
			c.logger.Warn("provider failed, failing over",
				"provider", p.Name,
				"next", c.providers[i+1].Name,
				"operation", req.Operation,
				"error", lastErr,
			)
		}
	}

	if c.metrics != nil {
		c.metrics.IncUpstreamError(string(lastErr.Kind), lastErr.Provider)
	}
	return nil, lastErr
}

func (c *Client) invokeProvider(ctx context.Context, p Provider, req Request) (*Response, error) {
	model := c.model(p, req)
	body, err := json.Marshal(newChatRequest(model, req))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encoding chat request: %w", err))
	}

	var out chatResponse
	op := func() error {
		return c.doChat(ctx, p, body, &out)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("provider call failed, retrying",
			"provider", p.Name,
			"operation", req.Operation,
			"wait", wait,
			"error", err,
		)
	}

	start := time.Now()
	err = backoff.RetryNotify(op, bo, notify)
	latency := time.Since(start)
	if c.metrics != nil {
		c.metrics.ObserveUpstreamDuration(p.Name, latency.Seconds())
	}
	if err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, &UpstreamError{Kind: KindProvider, Provider: p.Name, Err: errors.New("empty choices")}
	}

	if out.Model != "" {
		model = out.Model
	}
	usage := Usage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &Response{
		Text:      strings.TrimSpace(out.Choices[0].Message.Content),
		Provider:  p.Name,
		Model:     model,
		Usage:     usage,
		CostCents: c.pricing.Cost(c.model(p, req), usage.PromptTokens, usage.CompletionTokens),
		Latency:   latency,
	}, nil
}

// doChat performs one HTTP attempt. Non-retryable failures are wrapped with
// backoff.Permanent.
func (c *Client) doChat(ctx context.Context, p Provider, body []byte, out *chatResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(&UpstreamError{Kind: KindProvider, Provider: p.Name, Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		ue := classify(p.Name, err)
		if ue.retryable() {
			return ue
		}
		return backoff.Permanent(ue)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.IncGatewayRequests(p.Name, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		ue := &UpstreamError{Kind: KindProvider, Provider: p.Name, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(snippet)))}
		if ue.retryable() {
			return ue
		}
		return backoff.Permanent(ue)
	}

	*out = chatResponse{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return backoff.Permanent(&UpstreamError{Kind: KindProvider, Provider: p.Name, Err: fmt.Errorf("decoding chat response: %w", err)})
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

func newChatRequest(model string, req Request) chatRequest {
	cr := chatRequest{Model: model, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if cr.MaxTokens <= 0 {
		cr.MaxTokens = defaultMaxTokens
	}
	if req.System != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
	}
	cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: req.Prompt})
	return cr
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
