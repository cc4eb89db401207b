package gateway

import "math"

// Price is expressed in cents per 1000 tokens.
type Price struct {
	Prompt     float64
	Completion float64
}

// Pricing maps model names to prices. Unknown models cost nothing.
type Pricing map[string]Price

// Cost returns the cost in whole cents, rounded up.
func (p Pricing) Cost(model string, promptTokens, completionTokens int) int64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	cents := float64(promptTokens)/1000*price.Prompt + float64(completionTokens)/1000*price.Completion
	return int64(math.Ceil(cents))
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Estimate returns the expected cost of req before it is sent, assuming the
// completion uses its full token allowance.
func (p Pricing) Estimate(model string, req Request) int64 {
	completion := req.MaxTokens
	if completion <= 0 {
		completion = defaultMaxTokens
	}
	return p.Cost(model, EstimateTokens(req.System)+EstimateTokens(req.Prompt), completion)
}
