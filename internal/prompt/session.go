// Package prompt turns assist operations and their session context into
// model prompts.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates session context.
type Kind string

const (
	KindStrategy       Kind = "strategy"
	KindTracking       Kind = "tracking"
	KindProblemSolving Kind = "problem_solving"
	KindGeneral        Kind = "general"
)

// Session is the conversation context attached to an assistant request. The
// concrete types are StrategySession, TrackingSession, ProblemSolvingSession
// and GeneralSession.
type Session interface {
	Kind() Kind
	session()
}

// StrategySession frames planning of new objectives.
type StrategySession struct {
	Horizon    string   `json:"horizon"` // e.g. "Q3 2026"
	Objectives []string `json:"objectives"`
	Priorities []string `json:"priorities"`
}

// TrackingSession frames progress review of an existing objective.
type TrackingSession struct {
	Objective  string        `json:"objective"`
	KeyResults []KeyProgress `json:"keyResults"`
}

// KeyProgress is one key result and how far along it is.
type KeyProgress struct {
	Title   string  `json:"title"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
	Unit    string  `json:"unit"`
}

// ProblemSolvingSession frames a blocked objective.
type ProblemSolvingSession struct {
	Problem   string   `json:"problem"`
	Blockers  []string `json:"blockers"`
	Attempted []string `json:"attempted"`
}

// GeneralSession carries only a free-form topic.
type GeneralSession struct {
	Topic string `json:"topic"`
}

func (StrategySession) Kind() Kind       { return KindStrategy }
func (TrackingSession) Kind() Kind       { return KindTracking }
func (ProblemSolvingSession) Kind() Kind { return KindProblemSolving }
func (GeneralSession) Kind() Kind        { return KindGeneral }

func (StrategySession) session()       {}
func (TrackingSession) session()       {}
func (ProblemSolvingSession) session() {}
func (GeneralSession) session()        {}

// DecodeSession parses a {"type": ..., ...} session object. An empty or null
// document yields a nil Session.
func DecodeSession(raw json.RawMessage) (Session, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fieldError("session", "must be an object")
	}

	var (
		s   Session
		err error
	)
	switch head.Type {
	case KindStrategy:
		var v StrategySession
		err = json.Unmarshal(raw, &v)
		s = v
	case KindTracking:
		var v TrackingSession
		err = json.Unmarshal(raw, &v)
		s = v
	case KindProblemSolving:
		var v ProblemSolvingSession
		err = json.Unmarshal(raw, &v)
		s = v
	case KindGeneral:
		var v GeneralSession
		err = json.Unmarshal(raw, &v)
		s = v
	case "":
		return nil, fieldError("session.type", "is required")
	default:
		return nil, fieldError("session.type", fmt.Sprintf("unknown session type %q", head.Type))
	}
	if err != nil {
		return nil, fieldError("session", "malformed "+string(head.Type)+" session")
	}
	return s, nil
}

// describe renders session context for the system prompt. Every concrete
// Session type must have a case.
func describe(s Session) string {
	var b strings.Builder
	switch v := s.(type) {
	case nil:
		return ""
	case StrategySession:
		b.WriteString("The user is planning strategy")
		if v.Horizon != "" {
			fmt.Fprintf(&b, " for %s", v.Horizon)
		}
		b.WriteString(".")
		writeList(&b, "Existing objectives", v.Objectives)
		writeList(&b, "Priorities", v.Priorities)
	case TrackingSession:
		b.WriteString("The user is reviewing progress")
		if v.Objective != "" {
			fmt.Fprintf(&b, " on the objective %q", v.Objective)
		}
		b.WriteString(".")
		for _, kr := range v.KeyResults {
			fmt.Fprintf(&b, "\n- %s: %s", kr.Title, progress(kr))
		}
	case ProblemSolvingSession:
		b.WriteString("The user is stuck and wants help unblocking an objective.")
		if v.Problem != "" {
			fmt.Fprintf(&b, "\nProblem: %s", v.Problem)
		}
		writeList(&b, "Blockers", v.Blockers)
		writeList(&b, "Already tried", v.Attempted)
	case GeneralSession:
		b.WriteString("The user has a general OKR question")
		if v.Topic != "" {
			fmt.Fprintf(&b, " about %s", v.Topic)
		}
		b.WriteString(".")
	default:
		panic(fmt.Sprintf("prompt: unhandled session type %T", s))
	}
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:", label)
	for _, it := range items {
		fmt.Fprintf(b, "\n- %s", it)
	}
}

func progress(kr KeyProgress) string {
	unit := kr.Unit
	if unit != "" {
		unit = " " + unit
	}
	if kr.Target == 0 {
		return fmt.Sprintf("%g%s", kr.Current, unit)
	}
	return fmt.Sprintf("%g of %g%s (%.0f%%)", kr.Current, kr.Target, unit, kr.Current/kr.Target*100)
}
