package api

import "time"

// StepKind enumerates the kinds of step a journey can contain.
type StepKind string

const (
	StepMessage StepKind = "message"
	StepForm    StepKind = "form"
	StepTour    StepKind = "tour"
	StepTask    StepKind = "task"
	StepVideo   StepKind = "video"
	StepBranch  StepKind = "branch"
	StepWait    StepKind = "wait"
)

// Known reports whether k is one of the enumerated step kinds.
func (k StepKind) Known() bool {
	switch k {
	case StepMessage, StepForm, StepTour, StepTask, StepVideo, StepBranch, StepWait:
		return true
	}
	return false
}

// Journey is an immutable, versioned step graph. Once published a version is
// never edited; changes are published as Version+1.
type Journey struct {
	ID      string
	Name    string
	Version int

	// Entry is the id of the step every new session starts on.
	Entry string
	Steps []Step

	// Variants, if non-empty, are the A/B tags sessions are split across.
	Variants []Variant

	PublishedAt time.Time
}

// Step returns the step with the given id.
func (j Journey) Step(id string) (Step, bool) {
	for _, s := range j.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Variant is a named A/B bucket with a relative weight.
type Variant struct {
	Name   string
	Weight int
}

// Step is a node in the journey graph. Only the *Spec field matching
// Kind may be set; message, tour and video steps carry only Content.
type Step struct {
	ID    string
	Kind  StepKind
	Title string

	// Content is the opaque display payload handed to the presentation layer.
	Content map[string]string

	// Next is the default transition. Empty on terminal steps and on
	// branch steps, which use Branch.Fallback instead.
	Next string

	Form   *FormSpec
	Task   *TaskSpec
	Wait   *WaitSpec
	Branch *BranchSpec
}

// Terminal reports whether the step has no outgoing reference.
func (s Step) Terminal() bool {
	return s.Kind != StepBranch && s.Next == ""
}

// Targets returns every step id this step can transition to.
func (s Step) Targets() []string {
	if s.Kind == StepBranch {
		if s.Branch == nil {
			return nil
		}
		out := make([]string, 0, len(s.Branch.Rules)+1)
		for _, r := range s.Branch.Rules {
			out = append(out, r.Target)
		}
		return append(out, s.Branch.Fallback)
	}
	if s.Next == "" {
		return nil
	}
	return []string{s.Next}
}

// FormSpec lists the field names a form submission must contain.
type FormSpec struct {
	Required []string
}

// TaskSpec names the completion criteria token that must be satisfied by
// the submitted data before the task closes.
type TaskSpec struct {
	Criteria string
}

// WaitSpec holds the readiness conditions of a wait step. When both are set
// either one is sufficient.
type WaitSpec struct {
	MinDuration time.Duration
	Event       string
}

// BranchSpec selects the outgoing edge of a branch step. Rules are evaluated
// in order, first match wins; Fallback is taken when none match.
type BranchSpec struct {
	Rules    []Rule
	Fallback string
}

// Rule routes to Target when all of its predicates hold.
type Rule struct {
	When   []Predicate
	Target string
}

// Operator is a comparison in the predicate language.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpIn      Operator = "in"
	OpExists  Operator = "exists"
	OpMissing Operator = "missing"
)

// Known reports whether op is part of the predicate language.
func (op Operator) Known() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpExists, OpMissing:
		return true
	}
	return false
}

// Static session attributes a predicate may reference in addition to the
// collected data keys.
const (
	AttrVariant = "session.variant"
	AttrElapsed = "session.elapsed"
)

// Predicate compares one field against a literal value. For OpIn the value
// is a comma-separated list; OpExists and OpMissing ignore it.
type Predicate struct {
	Field string
	Op    Operator
	Value string
}
