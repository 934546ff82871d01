// Package analytics derives funnel, completion and timing statistics from the
// event log. It never reads session state: every number is a fold over
// events in append order.
package analytics

import (
	"iter"
	"math"
	"slices"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// Funnel accumulates the statistics of one population of sessions (a whole
// journey or one variant of it). Apply events in append order; a session's
// events must arrive in Seq order, which Scan guarantees.
type Funnel struct {
	started   int64
	completed int64
	abandoned int64

	durations []time.Duration

	// open holds per-session state until the session completes or is abandoned.
	open map[string]*track

	steps map[string]*stepAgg
	order []string
}

type track struct {
	startedAt time.Time
	// entered maps step id to when the session last entered it and has not
	// yet completed it.
	entered map[string]time.Time
}

type stepAgg struct {
	entered   int64
	completed int64
	dwell     time.Duration
	closed    int64
}

// NewFunnel returns an empty Funnel.
func NewFunnel() *Funnel {
	return &Funnel{
		open:  make(map[string]*track),
		steps: make(map[string]*stepAgg),
	}
}

func (f *Funnel) track(sessionID string) *track {
	t := f.open[sessionID]
	if t == nil {
		t = &track{entered: make(map[string]time.Time)}
		f.open[sessionID] = t
	}
	return t
}

func (f *Funnel) step(id string) *stepAgg {
	s := f.steps[id]
	if s == nil {
		s = &stepAgg{}
		f.steps[id] = s
		f.order = append(f.order, id)
	}
	return s
}

// Apply folds one event.
func (f *Funnel) Apply(ev api.Event) {
	switch ev.Kind {
	case api.EventStarted:
		f.started++
		f.track(ev.SessionID).startedAt = ev.At

	case api.EventStepEntered:
		f.step(ev.StepID).entered++
		f.track(ev.SessionID).entered[ev.StepID] = ev.At

	case api.EventStepCompleted:
		agg := f.step(ev.StepID)
		agg.completed++
		t := f.track(ev.SessionID)
		if at, ok := t.entered[ev.StepID]; ok {
			agg.dwell += ev.At.Sub(at)
			agg.closed++
			delete(t.entered, ev.StepID)
		}

	case api.EventCompleted:
		f.completed++
		if t, ok := f.open[ev.SessionID]; ok && !t.startedAt.IsZero() {
			f.durations = append(f.durations, ev.At.Sub(t.startedAt))
		} else if ms, ok := number(ev.Payload[api.PayloadElapsedMS]); ok {
			f.durations = append(f.durations, time.Duration(ms)*time.Millisecond)
		}
		delete(f.open, ev.SessionID)

	case api.EventAbandoned:
		f.abandoned++
		delete(f.open, ev.SessionID)
	}
}

// Stats renders the accumulated state. It does not modify f.
func (f *Funnel) Stats(journeyID string) api.JourneyStats {
	out := api.JourneyStats{
		JourneyID:      journeyID,
		TotalStarted:   f.started,
		TotalCompleted: f.completed,
		TotalAbandoned: f.abandoned,
		CompletionRate: rate(f.completed, f.started),
		PerStep:        make([]api.StepStats, 0, len(f.order)),
	}

	if n := len(f.durations); n > 0 {
		sorted := slices.Clone(f.durations)
		slices.Sort(sorted)
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		out.AvgCompletionTime = sum / time.Duration(n)
		out.MedianCompletionTime = median(sorted)
		out.P90CompletionTime = percentile(sorted, 0.9)
	}

	for _, id := range f.order {
		agg := f.steps[id]
		row := api.StepStats{
			StepID:         id,
			EnteredCount:   agg.entered,
			CompletedCount: agg.completed,
			CompletionRate: rate(agg.completed, agg.entered),
		}
		if agg.closed > 0 {
			row.AvgTimeInStep = agg.dwell / time.Duration(agg.closed)
		}
		out.PerStep = append(out.PerStep, row)
	}
	return out
}

// Fold computes the statistics of one journey from a full event stream,
// both overall and per variant. Events of other journeys are skipped.
func Fold(journeyID string, events iter.Seq2[api.Event, error]) (api.JourneyStats, map[string]api.JourneyStats, error) {
	p := newProjection(journeyID)
	for ev, err := range events {
		if err != nil {
			return api.JourneyStats{}, nil, err
		}
		p.apply(ev)
	}
	return p.overall.Stats(journeyID), p.variantStats(), nil
}

func rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// median expects sorted input.
func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// number reads a numeric payload value. Stores that round-trip payloads
// through JSON hand back float64.
func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
