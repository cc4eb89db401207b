package budget

import (
	"fmt"
	"strconv"
	"strings"
)

// Rule metrics.
const (
	MetricDailySpend     = "daily_spend"
	MetricMonthlySpend   = "monthly_spend"
	MetricDailyPercent   = "daily_percent"
	MetricMonthlyPercent = "monthly_percent"
	MetricRequestCount   = "request_count"
)

// ActionDowngradeModel asks callers to switch to the fallback model tier.
const ActionDowngradeModel = "downgrade_model"

// Rule is a custom advisory rule. Condition has the form
// "<metric> <op> <number>", for example "daily_percent >= 50".
type Rule struct {
	Condition string `json:"condition" yaml:"condition"`
	Action    string `json:"action" yaml:"action"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// Comparison is a parsed rule condition.
type Comparison struct {
	Metric string
	Op     string
	Value  float64
}

var knownMetrics = map[string]bool{
	MetricDailySpend:     true,
	MetricMonthlySpend:   true,
	MetricDailyPercent:   true,
	MetricMonthlyPercent: true,
	MetricRequestCount:   true,
}

// ParseCondition parses a rule condition.
func ParseCondition(s string) (Comparison, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Comparison{}, fmt.Errorf("condition %q: expected \"<metric> <op> <number>\"", s)
	}

	c := Comparison{Metric: fields[0], Op: fields[1]}
	if !knownMetrics[c.Metric] {
		return Comparison{}, fmt.Errorf("condition %q: unknown metric %q", s, c.Metric)
	}
	switch c.Op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return Comparison{}, fmt.Errorf("condition %q: unknown operator %q", s, c.Op)
	}

	v, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Comparison{}, fmt.Errorf("condition %q: invalid number %q", s, fields[2])
	}
	c.Value = v
	return c, nil
}

func (c Comparison) eval(metrics map[string]float64) bool {
	v := metrics[c.Metric]
	switch c.Op {
	case ">":
		return v > c.Value
	case ">=":
		return v >= c.Value
	case "<":
		return v < c.Value
	case "<=":
		return v <= c.Value
	case "==":
		return v == c.Value
	case "!=":
		return v != c.Value
	}
	return false
}

type compiledRule struct {
	Rule
	cond Comparison
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cond, err := ParseCondition(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if strings.TrimSpace(r.Action) == "" {
			return nil, fmt.Errorf("rule %d: action is required", i)
		}
		out = append(out, compiledRule{Rule: r, cond: cond})
	}
	return out, nil
}
