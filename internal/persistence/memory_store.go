package persistence

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/petrijr/trailhead/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// JourneyStore and SessionStore backed by maps.
type InMemoryStore struct {
	mu       sync.RWMutex
	journeys map[string]map[int]api.Journey
	sessions map[string]*api.Session
	// byKey maps journey/version/user to a session id.
	byKey map[string]string
	// events is written while mu is held, so a transition and its events
	// are observed together.
	events *InMemoryEventLog
}

// NewInMemoryStore creates a new InMemoryStore with an empty event log.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		journeys: make(map[string]map[int]api.Journey),
		sessions: make(map[string]*api.Session),
		byKey:    make(map[string]string),
		events:   NewInMemoryEventLog(),
	}
}

// Events returns the log that session writes append to.
func (s *InMemoryStore) Events() *InMemoryEventLog {
	return s.events
}

// Ensure InMemoryStore implements the interfaces.
var _ JourneyStore = (*InMemoryStore)(nil)

var _ SessionStore = (*InMemoryStore)(nil)

func sessionKey(journeyID string, version int, userID string) string {
	return fmt.Sprintf("%s\x00%d\x00%s", journeyID, version, userID)
}

func (s *InMemoryStore) SaveJourney(ctx context.Context, j api.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.journeys[j.ID]
	if versions == nil {
		versions = make(map[int]api.Journey)
		s.journeys[j.ID] = versions
	}
	if _, exists := versions[j.Version]; exists {
		return api.ErrVersionPublished
	}
	// Round-trip through the codec so the stored version shares no slices
	// or maps with the caller.
	frozen, err := freeze(j)
	if err != nil {
		return err
	}
	versions[j.Version] = frozen
	return nil
}

func (s *InMemoryStore) GetJourney(ctx context.Context, id string, version int) (api.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.journeys[id][version]
	if !ok {
		return api.Journey{}, api.ErrJourneyNotFound
	}
	return j, nil
}

func (s *InMemoryStore) LatestJourney(ctx context.Context, id string) (api.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.journeys[id]
	if len(versions) == 0 {
		return api.Journey{}, api.ErrJourneyNotFound
	}
	latest := 0
	for v := range versions {
		latest = max(latest, v)
	}
	return versions[latest], nil
}

func (s *InMemoryStore) ListVersions(ctx context.Context, id string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, 0, len(s.journeys[id]))
	for v := range s.journeys[id] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *api.Session, events []api.Event) (*api.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(sess.JourneyID, sess.JourneyVersion, sess.UserID)
	if id, ok := s.byKey[key]; ok {
		return s.sessions[id].Clone(), false, nil
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return nil, false, fmt.Errorf("session id %s already in use", sess.ID)
	}

	s.sessions[sess.ID] = sess.Clone()
	s.byKey[key] = sess.ID
	s.events.append(events)
	return sess.Clone(), true, nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, api.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) ApplyTransition(ctx context.Context, tr Transition) (*api.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tr.SessionID]
	if !ok {
		return nil, api.ErrSessionNotFound
	}
	if sess.CurrentStep != tr.FromStep || sess.Revision != tr.FromRevision {
		return nil, api.ErrConflict
	}

	tr.apply(sess)
	s.events.append(tr.Events)
	return sess.Clone(), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Session
	for _, sess := range s.sessions {
		if filter.matches(sess) {
			result = append(result, sess.Clone())
		}
	}
	sortSessions(result)
	return result, nil
}

func sortSessions(list []*api.Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.Before(list[j].StartedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func freeze(j api.Journey) (api.Journey, error) {
	data, err := EncodeValue(j)
	if err != nil {
		return api.Journey{}, err
	}
	return DecodeValue[api.Journey](data)
}
