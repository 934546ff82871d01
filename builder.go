package trailhead

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/trailhead/internal/graph"
	"github.com/petrijr/trailhead/pkg/api"
)

// JourneyBuilder provides a fluent API for defining journeys:
//
//	j, err := trailhead.New("onboarding").
//	    Named("Onboarding").
//	    Message("welcome", "Welcome aboard").
//	    Form("profile", "name", "role").
//	    Branch("route", "tour",
//	        trailhead.Route("admin_setup", trailhead.Where("role", trailhead.OpEq, "admin"))).
//	    Task("admin_setup", "integration_connected").
//	    Tour("tour", "Take a look around").
//	    Done("done", "All set").
//	    Publish(ctx, engine)
//
// Each step links to the step added after it unless it is a branch, a Done
// step, or was given an explicit successor with Goto.
type JourneyBuilder struct {
	j api.Journey

	// open is the index of the step waiting for an implicit successor, or -1.
	open int
}

// New creates a new journey builder with the given id.
func New(id string) *JourneyBuilder {
	if id == "" {
		panic("trailhead: journey id must not be empty")
	}
	return &JourneyBuilder{
		j:    api.Journey{ID: id, Steps: make([]api.Step, 0)},
		open: -1,
	}
}

// ID returns the journey id.
func (b *JourneyBuilder) ID() string {
	return b.j.ID
}

// Named sets the human readable journey name.
func (b *JourneyBuilder) Named(name string) *JourneyBuilder {
	b.j.Name = name
	return b
}

// Variants declares the A/B buckets sessions are split across.
func (b *JourneyBuilder) Variants(vs ...Variant) *JourneyBuilder {
	b.j.Variants = append(b.j.Variants, vs...)
	return b
}

// Message appends an informational step.
func (b *JourneyBuilder) Message(id, title string) *JourneyBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepMessage, Title: title})
}

// Tour appends a product tour step.
func (b *JourneyBuilder) Tour(id, title string) *JourneyBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepTour, Title: title})
}

// Video appends a video step; url ends up in Content["url"].
func (b *JourneyBuilder) Video(id, title, url string) *JourneyBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepVideo, Title: title, Content: map[string]string{"url": url}})
}

// Form appends a form step that requires the given fields.
func (b *JourneyBuilder) Form(id string, required ...string) *JourneyBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepForm, Form: &api.FormSpec{Required: required}})
}

// Task appends a step that closes once criteria is reported met.
func (b *JourneyBuilder) Task(id, criteria string) *JourneyBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepTask, Task: &api.TaskSpec{Criteria: criteria}})
}

// Wait appends a step that is ready after minDuration has passed or once event is
// reported. Either may be zero.
func (b *JourneyBuilder) Wait(id string, minDuration time.Duration, event string) *JourneyBuilder {
	return b.add(api.Step{ID: id, Kind: api.StepWait, Wait: &api.WaitSpec{MinDuration: minDuration, Event: event}})
}

// Branch appends a routing step. Rules are tried in order; fallback is
// taken when none match.
func (b *JourneyBuilder) Branch(id, fallback string, rules ...Rule) *JourneyBuilder {
	b.add(api.Step{ID: id, Kind: api.StepBranch, Branch: &api.BranchSpec{Rules: rules, Fallback: fallback}})
	b.open = -1
	return b
}

// Done appends a terminal message step.
func (b *JourneyBuilder) Done(id, title string) *JourneyBuilder {
	b.add(api.Step{ID: id, Kind: api.StepMessage, Title: title})
	b.open = -1
	return b
}

// Goto gives the last added step an explicit successor.
func (b *JourneyBuilder) Goto(target string) *JourneyBuilder {
	s := b.last("Goto")
	if s.Kind == api.StepBranch {
		panic(fmt.Sprintf("trailhead: Goto on branch step %q; use its fallback", s.ID))
	}
	s.Next = target
	b.open = -1
	return b
}

// Content sets one display field on the last added step.
func (b *JourneyBuilder) Content(key, value string) *JourneyBuilder {
	s := b.last("Content")
	if s.Content == nil {
		s.Content = map[string]string{}
	}
	s.Content[key] = value
	return b
}

func (b *JourneyBuilder) add(s api.Step) *JourneyBuilder {
	if s.ID == "" {
		panic("trailhead: step id must not be empty")
	}
	if len(b.j.Steps) == 0 {
		b.j.Entry = s.ID
	}
	if b.open >= 0 {
		b.j.Steps[b.open].Next = s.ID
	}
	b.j.Steps = append(b.j.Steps, s)
	b.open = len(b.j.Steps) - 1
	return b
}

func (b *JourneyBuilder) last(op string) *api.Step {
	if len(b.j.Steps) == 0 {
		panic(fmt.Sprintf("trailhead: %s called before any step", op))
	}
	return &b.j.Steps[len(b.j.Steps)-1]
}

// Journey returns a copy of the journey built so far without validating it.
func (b *JourneyBuilder) Journey() Journey {
	j := b.j
	j.Steps = make([]api.Step, len(b.j.Steps))
	copy(j.Steps, b.j.Steps)
	j.Variants = append([]api.Variant(nil), b.j.Variants...)
	return j
}

// Build validates the journey. A returned error is a *ValidationError.
func (b *JourneyBuilder) Build() (Journey, error) {
	j := b.Journey()
	if err := graph.Validate(j); err != nil {
		return Journey{}, err
	}
	return j, nil
}

// MustBuild is like Build but panics on error.
func (b *JourneyBuilder) MustBuild() Journey {
	j, err := b.Build()
	if err != nil {
		panic(err)
	}
	return j
}

// Publish stores the journey as the next version on eng.
func (b *JourneyBuilder) Publish(ctx context.Context, eng Engine) (Journey, error) {
	return eng.Publish(ctx, b.Journey())
}

// Route builds a branch rule that sends the session to target when every
// predicate holds.
func Route(target string, when ...Predicate) Rule {
	return api.Rule{When: when, Target: target}
}

// Where builds a predicate comparing a data field with value.
func Where(field string, op Operator, value string) Predicate {
	return api.Predicate{Field: field, Op: op, Value: value}
}

// OneOf builds an OpIn predicate.
func OneOf(field string, values ...string) Predicate {
	return api.Predicate{Field: field, Op: api.OpIn, Value: strings.Join(values, ",")}
}

// Exists builds a predicate that holds when field was submitted.
func Exists(field string) Predicate {
	return api.Predicate{Field: field, Op: api.OpExists}
}

// Missing builds a predicate that holds when field was never submitted.
func Missing(field string) Predicate {
	return api.Predicate{Field: field, Op: api.OpMissing}
}
