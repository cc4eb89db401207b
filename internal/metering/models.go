package metering

import "time"

// Record is one AI call in the usage ledger. Cache hits are recorded with
// zero cost so hit ratios can be computed from the ledger alone.
type Record struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"requestId"`
	Identity         string    `json:"identity"`
	Operation        string    `json:"operation"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	CostCents        int64     `json:"costCents"`
	LatencyMs        int64     `json:"latencyMs"`
	Success          bool      `json:"success"`
	CacheHit         bool      `json:"cacheHit"`
	ErrorKind        string    `json:"errorKind,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Summary holds aggregate metrics for a set of records.
type Summary struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalCents    int64   `json:"totalCostCents"`
	SuccessCount  int64   `json:"successCount"`
	ErrorCount    int64   `json:"errorCount"`
	CacheHits     int64   `json:"cacheHits"`
	TotalTokens   int64   `json:"totalTokens"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
}

// Query defines filters and pagination for listing records.
type Query struct {
	Identity  string    `json:"identity,omitempty"`
	Operation string    `json:"operation,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}
