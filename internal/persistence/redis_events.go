package persistence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/trailhead/pkg/api"
)

// RedisEventLog stores events in Redis:
//
//	<prefix>events:seq:<session>     => per-session sequence counter
//	<prefix>events:session:<session> => LIST of entries in Seq order
//	<prefix>events:pos               => global position counter
//	<prefix>events:all               => ZSET of entries scored by position
//	<prefix>events:journey:<journey> => ZSET of entries scored by position
//
// An entry is "<seq>|<position>|<json body>". Numbering and the writes to
// all three collections happen in one Lua script, so sequences have no gaps.
type RedisEventLog struct {
	client *redis.Client
	prefix string
}

var _ EventLog = (*RedisEventLog)(nil)

func newRedisEventLog(client *redis.Client, prefix string) *RedisEventLog {
	return &RedisEventLog{client: client, prefix: prefix}
}

// appendEventsLua defines append_events(k, first), which stores ARGV[first:]
// as entries under the five event keys in k and returns {seq, pos, ...}.
const appendEventsLua = `
local function append_events(k, first)
	local out = {}
	for i = first, #ARGV do
		local seq = redis.call('INCR', k[1])
		local pos = redis.call('INCR', k[3])
		local entry = seq .. '|' .. pos .. '|' .. ARGV[i]
		redis.call('RPUSH', k[2], entry)
		redis.call('ZADD', k[4], pos, entry)
		redis.call('ZADD', k[5], pos, entry)
		table.insert(out, seq)
		table.insert(out, pos)
	end
	return out
end
`

var appendScript = redis.NewScript(appendEventsLua + `return append_events(KEYS, 1)`)

// keys lists the event keys of one session in append_events order.
func (l *RedisEventLog) keys(sessionID, journeyID string) []string {
	return []string{
		l.prefix + "events:seq:" + sessionID,
		l.prefix + "events:session:" + sessionID,
		l.prefix + "events:pos",
		l.prefix + "events:all",
		l.prefix + "events:journey:" + journeyID,
	}
}

// bodies encodes events as append_events arguments. All events must belong
// to one session.
func bodies(events []api.Event) ([]any, error) {
	out := make([]any, len(events))
	for i, ev := range events {
		if i > 0 && ev.SessionID != events[0].SessionID {
			return nil, fmt.Errorf("redis append: events of sessions %s and %s in one batch", events[0].SessionID, ev.SessionID)
		}
		body, err := EncodeValue(toEventRecord(ev))
		if err != nil {
			return nil, err
		}
		out[i] = string(body)
	}
	return out, nil
}

func (l *RedisEventLog) Append(ctx context.Context, ev api.Event) (api.Event, error) {
	args, err := bodies([]api.Event{ev})
	if err != nil {
		return api.Event{}, err
	}
	res, err := appendScript.Run(ctx, l.client, l.keys(ev.SessionID, ev.JourneyID), args...).Int64Slice()
	if err != nil {
		return api.Event{}, fmt.Errorf("redis append event: %w", err)
	}
	ev.Seq, ev.Position = res[0], res[1]
	return ev, nil
}

func (l *RedisEventLog) Read(ctx context.Context, sessionID string) iter.Seq2[api.Event, error] {
	key := l.prefix + "events:session:" + sessionID
	return func(yield func(api.Event, error) bool) {
		for start := int64(0); ; start += readPageSize {
			entries, err := l.client.LRange(ctx, key, start, start+readPageSize-1).Result()
			if err != nil {
				yield(api.Event{}, err)
				return
			}
			for _, entry := range entries {
				ev, err := decodeEntry(entry)
				if !yield(ev, err) || err != nil {
					return
				}
			}
			if len(entries) < readPageSize {
				return
			}
		}
	}
}

func (l *RedisEventLog) Scan(ctx context.Context, opts ScanOptions) iter.Seq2[api.Event, error] {
	key := l.prefix + "events:all"
	if opts.JourneyID != "" {
		key = l.prefix + "events:journey:" + opts.JourneyID
	}
	return func(yield func(api.Event, error) bool) {
		cursor := opts.After
		emitted := 0
		for {
			entries, err := l.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min:   "(" + strconv.FormatInt(cursor, 10),
				Max:   "+inf",
				Count: readPageSize,
			}).Result()
			if err != nil {
				yield(api.Event{}, err)
				return
			}
			for _, entry := range entries {
				if opts.Limit > 0 && emitted >= opts.Limit {
					return
				}
				ev, err := decodeEntry(entry)
				if !yield(ev, err) || err != nil {
					return
				}
				emitted++
				cursor = ev.Position
			}
			if len(entries) < readPageSize {
				return
			}
		}
	}
}

func decodeEntry(entry string) (api.Event, error) {
	seqStr, rest, ok := strings.Cut(entry, "|")
	if !ok {
		return api.Event{}, errors.New("redis event entry: missing sequence")
	}
	posStr, body, ok := strings.Cut(rest, "|")
	if !ok {
		return api.Event{}, errors.New("redis event entry: missing position")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return api.Event{}, fmt.Errorf("redis event entry: %w", err)
	}
	pos, err := strconv.ParseInt(posStr, 10, 64)
	if err != nil {
		return api.Event{}, fmt.Errorf("redis event entry: %w", err)
	}
	rec, err := DecodeValue[eventRecord]([]byte(body))
	if err != nil {
		return api.Event{}, err
	}
	return rec.event(seq, pos), nil
}
