package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Operations.
const (
	OpEnhance           = "enhance"
	OpSummarize         = "summarize"
	OpSuggestKeyResults = "suggest_key_results"
	OpAssistant         = "assistant"
)

const (
	maxTextLen       = 8000
	maxSuggestions   = 10
	defaultSuggested = 3
)

var operations = map[string]bool{
	OpEnhance:           true,
	OpSummarize:         true,
	OpSuggestKeyResults: true,
	OpAssistant:         true,
}

// KnownOperation reports whether op is an assist operation.
func KnownOperation(op string) bool {
	return operations[op]
}

// Operations returns the assist operations, sorted.
func Operations() []string {
	out := make([]string, 0, len(operations))
	for op := range operations {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// Prompt is a rendered model request.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

const systemBase = "You are an assistant inside an OKR (objectives and key results) application. Be concise and concrete."

// Build renders the prompt for operation with its params and optional
// session. Params are validated here so invalid input never reaches the
// cache or the model.
func Build(operation string, params map[string]any, s Session) (Prompt, error) {
	var v validator
	var p Prompt

	switch operation {
	case OpEnhance:
		text := v.text(params, "text", true)
		kind := v.text(params, "kind", false)
		if kind == "" {
			kind = "objective"
		}
		if kind != "objective" && kind != "key_result" {
			v.add("params.kind", "must be objective or key_result")
		}
		p = Prompt{
			System:      systemBase + " Rewrite OKR text so it is specific, measurable and outcome focused. Reply with the rewritten text only.",
			User:        fmt.Sprintf("Improve this %s:\n\n%s", strings.ReplaceAll(kind, "_", " "), text),
			MaxTokens:   256,
			Temperature: 0.4,
		}
	case OpSummarize:
		text := v.text(params, "text", false)
		items := v.list(params, "items")
		if text == "" && len(items) == 0 {
			v.add("params.text", "or params.items is required")
		}
		var b strings.Builder
		b.WriteString("Summarize the following OKR progress for a status update:\n")
		if text != "" {
			b.WriteString("\n" + text)
		}
		for _, it := range items {
			b.WriteString("\n- " + it)
		}
		p = Prompt{
			System:      systemBase + " Summaries are at most five sentences.",
			User:        b.String(),
			MaxTokens:   400,
			Temperature: 0.3,
		}
	case OpSuggestKeyResults:
		objective := v.text(params, "objective", true)
		count := v.count(params, "count", defaultSuggested, maxSuggestions)
		p = Prompt{
			System:      systemBase + " Key results are measurable, time-bound and one per line.",
			User:        fmt.Sprintf("Suggest %d key results for the objective:\n\n%s", count, objective),
			MaxTokens:   120 * count,
			Temperature: 0.7,
		}
	case OpAssistant:
		message := v.text(params, "message", true)
		system := systemBase
		if sc := describe(s); sc != "" {
			system += "\n\n" + sc
		}
		p = Prompt{
			System:      system,
			User:        message,
			MaxTokens:   600,
			Temperature: 0.6,
		}
	default:
		return Prompt{}, fieldError("operation", fmt.Sprintf("unknown operation %q", operation))
	}

	if err := v.err(); err != nil {
		return Prompt{}, err
	}
	return p, nil
}

type validator struct {
	fields []FieldError
}

func (v *validator) add(field, message string) {
	v.fields = append(v.fields, FieldError{Field: field, Message: message})
}

func (v *validator) err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: v.fields}
}

func (v *validator) text(params map[string]any, key string, required bool) string {
	field := "params." + key
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			v.add(field, "is required")
		}
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.add(field, "must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	switch {
	case s == "" && required:
		v.add(field, "must not be empty")
	case len(s) > maxTextLen:
		v.add(field, fmt.Sprintf("must be at most %d characters", maxTextLen))
	}
	return s
}

func (v *validator) list(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		v.add("params."+key, "must be a list of strings")
		return nil
	}
	out := make([]string, 0, len(list))
	for i, it := range list {
		s, ok := it.(string)
		if !ok {
			v.add(fmt.Sprintf("params.%s[%d]", key, i), "must be a string")
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// count reads an integer in [1, max]. JSON numbers arrive as float64.
func (v *validator) count(params map[string]any, key string, def, max int) int {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) || f < 1 || int(f) > max {
		v.add("params."+key, fmt.Sprintf("must be an integer between 1 and %d", max))
		return def
	}
	return int(f)
}
