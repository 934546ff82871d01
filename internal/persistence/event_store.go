package persistence

import (
	"context"
	"iter"
	"maps"
	"sync"

	"github.com/petrijr/trailhead/pkg/api"
)

// InMemoryEventLog keeps the event history in process memory.
type InMemoryEventLog struct {
	mu        sync.RWMutex
	all       []api.Event
	bySession map[string][]int // indexes into all
}

var _ EventLog = (*InMemoryEventLog)(nil)

// NewInMemoryEventLog creates an empty event log.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{bySession: make(map[string][]int)}
}

func (l *InMemoryEventLog) Append(ctx context.Context, ev api.Event) (api.Event, error) {
	if err := ctx.Err(); err != nil {
		return api.Event{}, err
	}
	return l.append([]api.Event{ev})[0], nil
}

// append numbers and stores events under one lock acquisition.
func (l *InMemoryEventLog) append(events []api.Event) []api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]api.Event, len(events))
	for i, ev := range events {
		idx := l.bySession[ev.SessionID]
		ev.Seq = int64(len(idx)) + 1
		ev.Position = int64(len(l.all)) + 1
		ev.Payload = maps.Clone(ev.Payload)

		l.all = append(l.all, ev)
		l.bySession[ev.SessionID] = append(idx, len(l.all)-1)
		out[i] = ev
	}
	return out
}

// Read takes the lock once per event, so appends made while ranging are
// picked up before the sequence ends.
func (l *InMemoryEventLog) Read(ctx context.Context, sessionID string) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(api.Event{}, err)
				return
			}
			l.mu.RLock()
			idx := l.bySession[sessionID]
			if i >= len(idx) {
				l.mu.RUnlock()
				return
			}
			ev := l.all[idx[i]]
			l.mu.RUnlock()

			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (l *InMemoryEventLog) Scan(ctx context.Context, opts ScanOptions) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		emitted := 0
		// Positions are 1-based and dense, so After is also the slice index
		// of the first candidate.
		for i := max(opts.After, 0); ; i++ {
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(api.Event{}, err)
				return
			}
			l.mu.RLock()
			if i >= int64(len(l.all)) {
				l.mu.RUnlock()
				return
			}
			ev := l.all[i]
			l.mu.RUnlock()

			if !opts.matches(ev) {
				continue
			}
			emitted++
			if !yield(ev, nil) {
				return
			}
		}
	}
}
