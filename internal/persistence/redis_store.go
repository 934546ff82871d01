package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/trailhead/pkg/api"
)

// RedisStore is a JourneyStore and SessionStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>session:<id>                           => JSON session record
//	<prefix>session:key:<journey>:<version>:<user> => session id (uniqueness)
//	<prefix>idx:sessions                           => SET of all session ids
//	<prefix>idx:journey:<journey>                  => SET of session ids per journey
//	<prefix>journey:<journey>:<version>            => JSON journey definition
//	<prefix>journey:versions:<journey>             => ZSET of published versions
//
// Transitions use WATCH/MULTI so that the compare-and-swap holds across
// processes sharing the same Redis. A transition's events are appended
// inside the same MULTI, so they land exactly when the session changes.
type RedisStore struct {
	client *redis.Client
	prefix string
	events *RedisEventLog
}

var _ JourneyStore = (*RedisStore)(nil)

var _ SessionStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "trailhead:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "trailhead:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		events: newRedisEventLog(client, prefix),
	}
}

// Events returns the log that session writes append to.
func (s *RedisStore) Events() *RedisEventLog {
	return s.events
}

func (s *RedisStore) keySession(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) keyUnique(journeyID string, version int, userID string) string {
	return s.prefix + "session:key:" + journeyID + ":" + strconv.Itoa(version) + ":" + userID
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:sessions"
}

func (s *RedisStore) keyJourney(journeyID string) string {
	return s.prefix + "idx:journey:" + journeyID
}

func (s *RedisStore) keyDefinition(journeyID string, version int) string {
	return s.prefix + "journey:" + journeyID + ":" + strconv.Itoa(version)
}

func (s *RedisStore) keyVersions(journeyID string) string {
	return s.prefix + "journey:versions:" + journeyID
}

func (s *RedisStore) SaveJourney(ctx context.Context, j api.Journey) error {
	def, err := EncodeValue(j)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.keyDefinition(j.ID, j.Version), def, 0).Result()
	if err != nil {
		return fmt.Errorf("redis save journey: %w", err)
	}
	if !ok {
		return api.ErrVersionPublished
	}
	return s.client.ZAdd(ctx, s.keyVersions(j.ID), redis.Z{Score: float64(j.Version), Member: j.Version}).Err()
}

func (s *RedisStore) GetJourney(ctx context.Context, id string, version int) (api.Journey, error) {
	def, err := s.client.Get(ctx, s.keyDefinition(id, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.Journey{}, api.ErrJourneyNotFound
	}
	if err != nil {
		return api.Journey{}, err
	}
	return DecodeValue[api.Journey](def)
}

func (s *RedisStore) LatestJourney(ctx context.Context, id string) (api.Journey, error) {
	top, err := s.client.ZRevRange(ctx, s.keyVersions(id), 0, 0).Result()
	if err != nil {
		return api.Journey{}, err
	}
	if len(top) == 0 {
		return api.Journey{}, api.ErrJourneyNotFound
	}
	version, err := strconv.Atoi(top[0])
	if err != nil {
		return api.Journey{}, fmt.Errorf("redis journey version %q: %w", top[0], err)
	}
	return s.GetJourney(ctx, id, version)
}

func (s *RedisStore) ListVersions(ctx context.Context, id string) ([]int, error) {
	members, err := s.client.ZRange(ctx, s.keyVersions(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("redis journey version %q: %w", m, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// createScript inserts the session only when its uniqueness key is free,
// appending its events in the same script, and always returns
// {created, stored record}.
var createScript = redis.NewScript(appendEventsLua + `
local existing = redis.call('GET', KEYS[1])
if existing then
	return {0, redis.call('GET', ARGV[3] .. existing)}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
append_events({KEYS[5], KEYS[6], KEYS[7], KEYS[8], KEYS[9]}, 4)
return {1, ARGV[2]}
`)

func (s *RedisStore) CreateSession(ctx context.Context, sess *api.Session, events []api.Event) (*api.Session, bool, error) {
	data, err := EncodeValue(toSessionRecord(sess))
	if err != nil {
		return nil, false, err
	}
	encoded, err := bodies(events)
	if err != nil {
		return nil, false, err
	}

	keys := append([]string{
		s.keyUnique(sess.JourneyID, sess.JourneyVersion, sess.UserID),
		s.keySession(sess.ID),
		s.keyAll(),
		s.keyJourney(sess.JourneyID),
	}, s.events.keys(sess.ID, sess.JourneyID)...)
	args := append([]any{sess.ID, string(data), s.prefix + "session:"}, encoded...)

	res, err := createScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("redis create session: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("redis create session: unexpected reply %v", res)
	}

	created, _ := res[0].(int64)
	raw, _ := res[1].(string)
	stored, err := decodeSession([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func decodeSession(data []byte) (*api.Session, error) {
	if len(data) == 0 {
		return nil, api.ErrSessionNotFound
	}
	rec, err := DecodeValue[sessionRecord](data)
	if err != nil {
		return nil, err
	}
	return rec.session(), nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	data, err := s.client.Get(ctx, s.keySession(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

func (s *RedisStore) ApplyTransition(ctx context.Context, tr Transition) (*api.Session, error) {
	key := s.keySession(tr.SessionID)
	var updated *api.Session

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return api.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		if sess.CurrentStep != tr.FromStep || sess.Revision != tr.FromRevision {
			return api.ErrConflict
		}

		tr.apply(sess)
		encoded, err := EncodeValue(toSessionRecord(sess))
		if err != nil {
			return err
		}
		events, err := bodies(tr.Events)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if len(events) > 0 {
				// EVAL, not EVALSHA: a missing script inside MULTI cannot be retried.
				appendScript.Eval(ctx, pipe, s.events.keys(sess.ID, sess.JourneyID), events...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = sess
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, api.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*api.Session, error) {
	setKey := s.keyAll()
	if filter.JourneyID != "" {
		setKey = s.keyJourney(filter.JourneyID)
	}

	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keySession(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var result []*api.Session
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		sess, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		if filter.matches(sess) {
			result = append(result, sess)
		}
	}
	sortSessions(result)
	return result, nil
}
