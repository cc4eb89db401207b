package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const healthTimeout = 5 * time.Second

// ProviderHealth is the result of probing one provider.
type ProviderHealth struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// Health probes every provider's models endpoint. It never returns an error;
// failures are reported per provider.
func (c *Client) Health(ctx context.Context) []ProviderHealth {
	out := make([]ProviderHealth, len(c.providers))
	for i, p := range c.providers {
		out[i] = c.probe(ctx, p)
	}
	return out
}

func (c *Client) probe(ctx context.Context, p Provider) ProviderHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	h := ProviderHealth{Name: p.Name}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.BaseURL, "/")+"/models", nil)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	h.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		h.Error = string(classify(p.Name, err).Kind)
		return h
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return h
	}
	h.Healthy = true
	return h
}
