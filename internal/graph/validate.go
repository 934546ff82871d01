// Package graph holds the pure, stateless logic of a journey step graph:
// publish-time validation and runtime next-step resolution.
package graph

import (
	"fmt"
	"slices"

	"github.com/petrijr/trailhead/pkg/api"
)

// Validate checks a journey definition before it is published. It returns
// nil or an *api.ValidationError listing every problem found.
//
// Beyond id uniqueness and reference integrity it enforces forward progress:
// every step must be reachable from the entry and every step must have a path
// to a terminal step.
func Validate(j api.Journey) error {
	v := &validator{j: j, byID: make(map[string]api.Step, len(j.Steps))}
	v.checkJourney()
	v.checkSteps()
	v.checkVariants()
	if _, ok := v.byID[j.Entry]; !ok && j.Entry != "" {
		v.add(api.Problem{Kind: api.ProblemMissingEntry, Target: j.Entry, Detail: "entry step does not exist"})
	}
	v.checkReferences()
	v.checkReachability()
	v.checkEscape()
	v.checkBranchCycles()

	if len(v.problems) == 0 {
		return nil
	}
	return &api.ValidationError{JourneyID: j.ID, Version: j.Version, Problems: v.problems}
}

type validator struct {
	j        api.Journey
	byID     map[string]api.Step
	problems []api.Problem
}

func (v *validator) add(p api.Problem) {
	v.problems = append(v.problems, p)
}

func (v *validator) checkJourney() {
	if v.j.ID == "" {
		v.add(api.Problem{Kind: api.ProblemInvalidStep, Detail: "journey id is required"})
	}
	if len(v.j.Steps) == 0 {
		v.add(api.Problem{Kind: api.ProblemInvalidStep, Detail: "journey has no steps"})
	}
	if v.j.Entry == "" {
		v.add(api.Problem{Kind: api.ProblemMissingEntry, Detail: "entry step is required"})
	}
}

func (v *validator) checkSteps() {
	for _, s := range v.j.Steps {
		if s.ID == "" {
			v.add(api.Problem{Kind: api.ProblemInvalidStep, Detail: "step id is required"})
			continue
		}
		if _, dup := v.byID[s.ID]; dup {
			v.add(api.Problem{Kind: api.ProblemDuplicateID, StepID: s.ID})
			continue
		}
		v.byID[s.ID] = s

		if !s.Kind.Known() {
			v.add(api.Problem{Kind: api.ProblemUnknownKind, StepID: s.ID, Detail: fmt.Sprintf("kind %q", s.Kind)})
			continue
		}
		for _, msg := range kindProblems(s) {
			v.add(api.Problem{Kind: api.ProblemInvalidStep, StepID: s.ID, Detail: msg})
		}
	}
}

// kindProblems enforces that a step carries exactly the fields of its kind.
func kindProblems(s api.Step) []string {
	var out []string
	if s.Form != nil && s.Kind != api.StepForm {
		out = append(out, "form fields on a "+string(s.Kind)+" step")
	}
	if s.Task != nil && s.Kind != api.StepTask {
		out = append(out, "task criteria on a "+string(s.Kind)+" step")
	}
	if s.Wait != nil && s.Kind != api.StepWait {
		out = append(out, "wait condition on a "+string(s.Kind)+" step")
	}
	if s.Branch != nil && s.Kind != api.StepBranch {
		out = append(out, "branch rules on a "+string(s.Kind)+" step")
	}

	switch s.Kind {
	case api.StepForm:
		if s.Form != nil {
			seen := map[string]bool{}
			for _, f := range s.Form.Required {
				if f == "" {
					out = append(out, "empty required field name")
				} else if seen[f] {
					out = append(out, fmt.Sprintf("required field %q listed twice", f))
				}
				seen[f] = true
			}
		}
	case api.StepTask:
		if s.Task == nil || s.Task.Criteria == "" {
			out = append(out, "task step needs a completion criteria token")
		}
	case api.StepWait:
		switch {
		case s.Wait == nil:
			out = append(out, "wait step needs a minimum duration or an event token")
		case s.Wait.MinDuration < 0:
			out = append(out, "negative wait duration")
		case s.Wait.MinDuration == 0 && s.Wait.Event == "":
			out = append(out, "wait step needs a minimum duration or an event token")
		}
	case api.StepBranch:
		if s.Next != "" {
			out = append(out, "branch step uses fallback, not next")
		}
		if s.Branch == nil {
			out = append(out, "branch step needs rules and a fallback")
			break
		}
		if s.Branch.Fallback == "" {
			out = append(out, "branch step needs a fallback target")
		}
		for i, r := range s.Branch.Rules {
			if r.Target == "" {
				out = append(out, fmt.Sprintf("rule %d has no target", i))
			}
			if len(r.When) == 0 {
				out = append(out, fmt.Sprintf("rule %d has no predicates", i))
			}
			for _, p := range r.When {
				if p.Field == "" {
					out = append(out, fmt.Sprintf("rule %d has a predicate without field", i))
				}
				if !p.Op.Known() {
					out = append(out, fmt.Sprintf("rule %d uses unknown operator %q", i, p.Op))
				}
			}
		}
	}
	return out
}

func (v *validator) checkVariants() {
	seen := map[string]bool{}
	for _, vr := range v.j.Variants {
		switch {
		case vr.Name == "":
			v.add(api.Problem{Kind: api.ProblemInvalidVariant, Detail: "variant name is required"})
		case seen[vr.Name]:
			v.add(api.Problem{Kind: api.ProblemInvalidVariant, Detail: fmt.Sprintf("variant %q declared twice", vr.Name)})
		case vr.Weight <= 0:
			v.add(api.Problem{Kind: api.ProblemInvalidVariant, Detail: fmt.Sprintf("variant %q needs a positive weight", vr.Name)})
		}
		seen[vr.Name] = true
	}
}

func (v *validator) checkReferences() {
	for _, id := range v.orderedIDs() {
		s := v.byID[id]
		for _, t := range s.Targets() {
			if t == "" {
				continue
			}
			if _, ok := v.byID[t]; !ok {
				v.add(api.Problem{Kind: api.ProblemDanglingReference, StepID: s.ID, Target: t})
			}
		}
	}
}

// edges returns the existing targets of id, de-duplicated.
func (v *validator) edges(id string) []string {
	var out []string
	for _, t := range v.byID[id].Targets() {
		if _, ok := v.byID[t]; ok && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func (v *validator) checkReachability() {
	if _, ok := v.byID[v.j.Entry]; !ok {
		return
	}
	seen := map[string]bool{v.j.Entry: true}
	queue := []string{v.j.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range v.edges(id) {
			if !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	for _, s := range v.orderedIDs() {
		if !seen[s] {
			v.add(api.Problem{Kind: api.ProblemUnreachable, StepID: s, Detail: "not reachable from entry " + v.j.Entry})
		}
	}
}

// checkEscape walks the reversed graph from every terminal step; any step it
// does not reach can never finish.
func (v *validator) checkEscape() {
	reverse := map[string][]string{}
	var queue []string
	escapes := map[string]bool{}
	for _, id := range v.orderedIDs() {
		for _, t := range v.edges(id) {
			reverse[t] = append(reverse[t], id)
		}
		if v.byID[id].Terminal() {
			escapes[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, from := range reverse[id] {
			if !escapes[from] {
				escapes[from] = true
				queue = append(queue, from)
			}
		}
	}
	for _, id := range v.orderedIDs() {
		if !escapes[id] {
			v.add(api.Problem{Kind: api.ProblemNoEscapePath, StepID: id, Detail: "no path to a terminal step"})
		}
	}
}

// checkBranchCycles rejects loops made only of branch steps. Branch steps are
// resolved without user input, so such a loop would spin forever.
func (v *validator) checkBranchCycles() {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	reported := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, t := range v.edges(id) {
			if v.byID[t].Kind != api.StepBranch {
				continue
			}
			switch color[t] {
			case white:
				visit(t)
			case grey:
				if !reported[t] {
					reported[t] = true
					v.add(api.Problem{Kind: api.ProblemBranchCycle, StepID: t, Detail: "cycle through branch steps only"})
				}
			}
		}
		color[id] = black
	}
	for _, id := range v.orderedIDs() {
		if v.byID[id].Kind == api.StepBranch && color[id] == white {
			visit(id)
		}
	}
}

// orderedIDs returns the unique step ids in declaration order so that
// problems are reported deterministically.
func (v *validator) orderedIDs() []string {
	out := make([]string, 0, len(v.byID))
	seen := map[string]bool{}
	for _, s := range v.j.Steps {
		if _, ok := v.byID[s.ID]; ok && !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s.ID)
		}
	}
	return out
}
