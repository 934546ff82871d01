// Package journeydoc reads and writes journey definitions as structured
// documents. YAML is meant for people editing journeys by hand; JSON is for
// tools and the editor. Both round-trip a journey without loss.
//
// A document looks like:
//
//	id: onboarding
//	name: Onboarding
//	entry: welcome
//	variants:
//	  - {name: control, weight: 1}
//	steps:
//	  - id: welcome
//	    kind: message
//	    title: Welcome aboard
//	    next: profile
//	  - id: profile
//	    kind: form
//	    form: {required: [name]}
//	    next: route
//	  - id: route
//	    kind: branch
//	    branch:
//	      rules:
//	        - when: [{field: role, op: eq, value: admin}]
//	          target: admin_tour
//	      fallback: done
//	  - id: settle
//	    kind: wait
//	    wait: {min_duration: 24h, event: data_synced}
package journeydoc

import (
	"fmt"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// Document is the exchange shape of a journey.
type Document struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name,omitempty" json:"name,omitempty"`
	Version     int        `yaml:"version,omitempty" json:"version,omitempty"`
	Entry       string     `yaml:"entry" json:"entry"`
	Variants    []Variant  `yaml:"variants,omitempty" json:"variants,omitempty"`
	Steps       []Step     `yaml:"steps" json:"steps"`
	PublishedAt *time.Time `yaml:"published_at,omitempty" json:"published_at,omitempty"`
}

type Variant struct {
	Name   string `yaml:"name" json:"name"`
	Weight int    `yaml:"weight" json:"weight"`
}

type Step struct {
	ID      string            `yaml:"id" json:"id"`
	Kind    string            `yaml:"kind" json:"kind"`
	Title   string            `yaml:"title,omitempty" json:"title,omitempty"`
	Content map[string]string `yaml:"content,omitempty" json:"content,omitempty"`
	Next    string            `yaml:"next,omitempty" json:"next,omitempty"`

	Form   *Form   `yaml:"form,omitempty" json:"form,omitempty"`
	Task   *Task   `yaml:"task,omitempty" json:"task,omitempty"`
	Wait   *Wait   `yaml:"wait,omitempty" json:"wait,omitempty"`
	Branch *Branch `yaml:"branch,omitempty" json:"branch,omitempty"`
}

type Form struct {
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
}

type Task struct {
	Criteria string `yaml:"criteria" json:"criteria"`
}

// Wait carries its duration as a Go duration string such as "90m".
type Wait struct {
	MinDuration string `yaml:"min_duration,omitempty" json:"min_duration,omitempty"`
	Event       string `yaml:"event,omitempty" json:"event,omitempty"`
}

type Branch struct {
	Rules    []Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
	Fallback string `yaml:"fallback" json:"fallback"`
}

type Rule struct {
	When   []Predicate `yaml:"when" json:"when"`
	Target string      `yaml:"target" json:"target"`
}

type Predicate struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// FromJourney converts a journey into its document form.
func FromJourney(j api.Journey) Document {
	doc := Document{
		ID:      j.ID,
		Name:    j.Name,
		Version: j.Version,
		Entry:   j.Entry,
		Steps:   make([]Step, 0, len(j.Steps)),
	}
	if !j.PublishedAt.IsZero() {
		at := j.PublishedAt
		doc.PublishedAt = &at
	}
	for _, v := range j.Variants {
		doc.Variants = append(doc.Variants, Variant{Name: v.Name, Weight: v.Weight})
	}

	for _, s := range j.Steps {
		ds := Step{
			ID:      s.ID,
			Kind:    string(s.Kind),
			Title:   s.Title,
			Content: s.Content,
			Next:    s.Next,
		}
		if s.Form != nil {
			ds.Form = &Form{Required: s.Form.Required}
		}
		if s.Task != nil {
			ds.Task = &Task{Criteria: s.Task.Criteria}
		}
		if s.Wait != nil {
			ds.Wait = &Wait{Event: s.Wait.Event}
			if s.Wait.MinDuration != 0 {
				ds.Wait.MinDuration = s.Wait.MinDuration.String()
			}
		}
		if s.Branch != nil {
			ds.Branch = &Branch{Fallback: s.Branch.Fallback}
			for _, r := range s.Branch.Rules {
				dr := Rule{Target: r.Target}
				for _, p := range r.When {
					dr.When = append(dr.When, Predicate{Field: p.Field, Op: string(p.Op), Value: p.Value})
				}
				ds.Branch.Rules = append(ds.Branch.Rules, dr)
			}
		}
		doc.Steps = append(doc.Steps, ds)
	}
	return doc
}

// Journey converts the document back into a journey. It only checks what
// the document format itself can get wrong; graph validation happens when
// the journey is published.
func (d Document) Journey() (api.Journey, error) {
	j := api.Journey{
		ID:      d.ID,
		Name:    d.Name,
		Version: d.Version,
		Entry:   d.Entry,
	}
	if d.PublishedAt != nil {
		j.PublishedAt = *d.PublishedAt
	}
	for _, v := range d.Variants {
		j.Variants = append(j.Variants, api.Variant{Name: v.Name, Weight: v.Weight})
	}

	for i, ds := range d.Steps {
		s := api.Step{
			ID:      ds.ID,
			Kind:    api.StepKind(ds.Kind),
			Title:   ds.Title,
			Content: ds.Content,
			Next:    ds.Next,
		}
		if ds.Form != nil {
			s.Form = &api.FormSpec{Required: ds.Form.Required}
		}
		if ds.Task != nil {
			s.Task = &api.TaskSpec{Criteria: ds.Task.Criteria}
		}
		if ds.Wait != nil {
			s.Wait = &api.WaitSpec{Event: ds.Wait.Event}
			if ds.Wait.MinDuration != "" {
				dur, err := time.ParseDuration(ds.Wait.MinDuration)
				if err != nil {
					return api.Journey{}, fmt.Errorf("step %d (%s): min_duration: %w", i, ds.ID, err)
				}
				s.Wait.MinDuration = dur
			}
		}
		if ds.Branch != nil {
			s.Branch = &api.BranchSpec{Fallback: ds.Branch.Fallback}
			for _, dr := range ds.Branch.Rules {
				r := api.Rule{Target: dr.Target}
				for _, p := range dr.When {
					r.When = append(r.When, api.Predicate{Field: p.Field, Op: api.Operator(p.Op), Value: p.Value})
				}
				s.Branch.Rules = append(s.Branch.Rules, r)
			}
		}
		j.Steps = append(j.Steps, s)
	}
	return j, nil
}
