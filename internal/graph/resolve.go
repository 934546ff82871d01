package graph

import (
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// Env is everything a branch predicate may look at: the collected data and
// the static session attributes. Predicates never reach outside of it, so
// resolution is deterministic and can be replayed from the event log.
type Env struct {
	Data    map[string]any
	Variant string
	Elapsed time.Duration
}

// Resolution is the outcome of ResolveNext.
type Resolution struct {
	// Target is the next step id; empty when the step is terminal.
	Target string

	// Branched is set when the step is a branch step. Rule is then the
	// index of the matching rule, or -1 when the fallback was taken.
	Branched bool
	Rule     int
}

// Matched reports whether a branch rule (rather than the fallback) matched.
func (r Resolution) Matched() bool {
	return r.Branched && r.Rule >= 0
}

// ResolveNext returns the step a session moves to after leaving step.
// Branch rules are evaluated in declared order and the first match wins.
func ResolveNext(step api.Step, env Env) Resolution {
	if step.Kind != api.StepBranch || step.Branch == nil {
		return Resolution{Target: step.Next, Rule: -1}
	}
	for i, rule := range step.Branch.Rules {
		if ruleHolds(rule, env) {
			return Resolution{Target: rule.Target, Branched: true, Rule: i}
		}
	}
	return Resolution{Target: step.Branch.Fallback, Branched: true, Rule: -1}
}

func ruleHolds(r api.Rule, env Env) bool {
	if len(r.When) == 0 {
		return false
	}
	for _, p := range r.When {
		if !Eval(p, env) {
			return false
		}
	}
	return true
}
