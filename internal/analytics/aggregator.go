package analytics

import (
	"context"
	"sync"

	"github.com/petrijr/trailhead/internal/persistence"
	"github.com/petrijr/trailhead/pkg/api"
)

// projection is the running fold of one journey, split by variant.
type projection struct {
	journeyID string
	overall   *Funnel
	variants  map[string]*Funnel
	// variantOrder keeps the first-seen order for deterministic output.
	variantOrder []string
}

func newProjection(journeyID string) *projection {
	return &projection{
		journeyID: journeyID,
		overall:   NewFunnel(),
		variants:  make(map[string]*Funnel),
	}
}

func (p *projection) apply(ev api.Event) {
	if ev.JourneyID != p.journeyID {
		return
	}
	p.overall.Apply(ev)

	tag := ev.Variant
	if tag == "" {
		tag = api.DefaultVariant
	}
	f := p.variants[tag]
	if f == nil {
		f = NewFunnel()
		p.variants[tag] = f
		p.variantOrder = append(p.variantOrder, tag)
	}
	f.Apply(ev)
}

func (p *projection) variantStats() map[string]api.JourneyStats {
	out := make(map[string]api.JourneyStats, len(p.variants))
	for _, tag := range p.variantOrder {
		out[tag] = p.variants[tag].Stats(p.journeyID)
	}
	return out
}

// Aggregator keeps an incremental projection per journey over an event
// log. Each call folds only the events appended since the previous call,
// so repeated polling does not rescan history.
//
// Positions are dense, so a missing position is an event still being
// committed. The cursor stops below it; events already folded past the gap
// are remembered and skipped when the scan comes back over them.
type Aggregator struct {
	events persistence.EventLog

	mu sync.Mutex
	// cursor is the highest position p such that every event up to p is
	// folded.
	cursor      int64
	ahead       map[int64]struct{}
	projections map[string]*projection
}

// NewAggregator creates an Aggregator reading from events.
func NewAggregator(events persistence.EventLog) *Aggregator {
	return &Aggregator{
		events:      events,
		ahead:       make(map[int64]struct{}),
		projections: make(map[string]*projection),
	}
}

func (a *Aggregator) projection(journeyID string) *projection {
	p := a.projections[journeyID]
	if p == nil {
		p = newProjection(journeyID)
		a.projections[journeyID] = p
	}
	return p
}

// refresh folds new events into the projections and calls read with the
// journey's projection while the aggregator is locked.
func (a *Aggregator) refresh(ctx context.Context, journeyID string, read func(*projection)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ev, err := range a.events.Scan(ctx, persistence.ScanOptions{After: a.cursor}) {
		if err != nil {
			return err
		}
		a.fold(ev)
	}
	read(a.projection(journeyID))
	return nil
}

func (a *Aggregator) fold(ev api.Event) {
	if _, done := a.ahead[ev.Position]; done {
		return
	}
	a.projection(ev.JourneyID).apply(ev)

	if ev.Position != a.cursor+1 {
		a.ahead[ev.Position] = struct{}{}
		return
	}
	a.cursor++
	for {
		if _, ok := a.ahead[a.cursor+1]; !ok {
			return
		}
		delete(a.ahead, a.cursor+1)
		a.cursor++
	}
}

// Stats returns the journey's statistics across all versions and variants.
func (a *Aggregator) Stats(ctx context.Context, journeyID string) (api.JourneyStats, error) {
	var out api.JourneyStats
	err := a.refresh(ctx, journeyID, func(p *projection) {
		out = p.overall.Stats(journeyID)
	})
	return out, err
}

// CompareVariants returns the journey's statistics keyed by variant tag.
func (a *Aggregator) CompareVariants(ctx context.Context, journeyID string) (map[string]api.JourneyStats, error) {
	var out map[string]api.JourneyStats
	err := a.refresh(ctx, journeyID, func(p *projection) {
		out = p.variantStats()
	})
	return out, err
}
