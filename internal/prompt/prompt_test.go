package prompt

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeSession(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind Kind
		wantNil  bool
		wantErr  string
	}{
		{"empty", ``, "", true, ""},
		{"null", `null`, "", true, ""},
		{"strategy", `{"type":"strategy","horizon":"Q3","objectives":["Grow"]}`, KindStrategy, false, ""},
		{"tracking", `{"type":"tracking","objective":"Ship","keyResults":[{"title":"NPS","current":30,"target":50}]}`, KindTracking, false, ""},
		{"problem solving", `{"type":"problem_solving","problem":"Churn"}`, KindProblemSolving, false, ""},
		{"general", `{"type":"general","topic":"cadence"}`, KindGeneral, false, ""},
		{"missing type", `{"topic":"x"}`, "", true, "session.type"},
		{"unknown type", `{"type":"poetry"}`, "", true, "session.type"},
		{"not an object", `[1,2]`, "", true, "session"},
		{"wrong field type", `{"type":"strategy","objectives":"one"}`, "", true, "session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := DecodeSession([]byte(tt.raw))
			if tt.wantErr != "" {
				var ve *ValidationError
				if !errors.As(err, &ve) || ve.Fields[0].Field != tt.wantErr {
					t.Fatalf("expected validation error on %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (s == nil) != tt.wantNil {
				t.Fatalf("nil session = %v, want %v", s == nil, tt.wantNil)
			}
			if s != nil && s.Kind() != tt.wantKind {
				t.Fatalf("kind = %s, want %s", s.Kind(), tt.wantKind)
			}
		})
	}
}

func TestDescribeEverySession(t *testing.T) {
	tests := []struct {
		s    Session
		want []string
	}{
		{StrategySession{Horizon: "Q3 2026", Objectives: []string{"Grow revenue"}, Priorities: []string{"Retention"}}, []string{"Q3 2026", "Grow revenue", "Priorities:"}},
		{TrackingSession{Objective: "Ship v2", KeyResults: []KeyProgress{{Title: "Signups", Current: 50, Target: 200, Unit: "users"}}}, []string{`"Ship v2"`, "50 of 200 users (25%)"}},
		{ProblemSolvingSession{Problem: "Low adoption", Blockers: []string{"No budget"}, Attempted: []string{"Emails"}}, []string{"Low adoption", "No budget", "Already tried"}},
		{GeneralSession{Topic: "scoring"}, []string{"about scoring"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.s.Kind()), func(t *testing.T) {
			got := describe(tt.s)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("describe() = %q, missing %q", got, w)
				}
			}
		})
	}
	if describe(nil) != "" {
		t.Error("nil session should describe as empty")
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		op        string
		params    map[string]any
		wantUser  string
		wantField string
	}{
		{"enhance", OpEnhance, map[string]any{"text": " grow sales "}, "Improve this objective:\n\ngrow sales", ""},
		{"enhance key result", OpEnhance, map[string]any{"text": "more users", "kind": "key_result"}, "Improve this key result", ""},
		{"enhance bad kind", OpEnhance, map[string]any{"text": "x", "kind": "vision"}, "", "params.kind"},
		{"enhance missing text", OpEnhance, map[string]any{}, "", "params.text"},
		{"enhance blank text", OpEnhance, map[string]any{"text": "   "}, "", "params.text"},
		{"enhance non-string", OpEnhance, map[string]any{"text": 3.0}, "", "params.text"},
		{"summarize items", OpSummarize, map[string]any{"items": []any{"KR1 done", "KR2 at 40%"}}, "- KR2 at 40%", ""},
		{"summarize nothing", OpSummarize, map[string]any{}, "", "params.text"},
		{"summarize bad item", OpSummarize, map[string]any{"items": []any{"ok", 1.0}}, "", "params.items[1]"},
		{"suggest default count", OpSuggestKeyResults, map[string]any{"objective": "Delight customers"}, "Suggest 3 key results", ""},
		{"suggest count", OpSuggestKeyResults, map[string]any{"objective": "Delight customers", "count": 5.0}, "Suggest 5 key results", ""},
		{"suggest count too high", OpSuggestKeyResults, map[string]any{"objective": "x", "count": 11.0}, "", "params.count"},
		{"suggest fractional count", OpSuggestKeyResults, map[string]any{"objective": "x", "count": 2.5}, "", "params.count"},
		{"assistant", OpAssistant, map[string]any{"message": "How do I score OKRs?"}, "How do I score OKRs?", ""},
		{"unknown operation", "translate", map[string]any{}, "", "operation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(tt.op, tt.params, nil)
			if tt.wantField != "" {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				found := false
				for _, f := range ve.Fields {
					if f.Field == tt.wantField {
						found = true
					}
				}
				if !found {
					t.Fatalf("expected error on %s, got %+v", tt.wantField, ve.Fields)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if !strings.Contains(p.User, tt.wantUser) {
				t.Fatalf("user prompt %q does not contain %q", p.User, tt.wantUser)
			}
			if p.MaxTokens <= 0 || p.System == "" {
				t.Fatalf("incomplete prompt %+v", p)
			}
		})
	}
}

func TestBuildAssistantIncludesSession(t *testing.T) {
	p, err := Build(OpAssistant, map[string]any{"message": "What next?"}, TrackingSession{Objective: "Ship v2"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(p.System, "reviewing progress") {
		t.Fatalf("system prompt should carry session context: %q", p.System)
	}

	plain, _ := Build(OpAssistant, map[string]any{"message": "What next?"}, nil)
	if plain.System == p.System {
		t.Fatal("session context should change the system prompt")
	}
}

func TestOperations(t *testing.T) {
	ops := Operations()
	if len(ops) != 4 || ops[0] != OpAssistant {
		t.Fatalf("unexpected operations %v", ops)
	}
	if !KnownOperation(OpEnhance) || KnownOperation("translate") {
		t.Fatal("KnownOperation mismatch")
	}
}
