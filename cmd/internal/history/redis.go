package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

const (
	redisStreamPrefix = "arqonbus:hist:"
	redisSeqPrefix    = "arqonbus:seq:"
)

// redisAppendScript allocates the sequence number and appends the entry in
// one atomic step, trimming the stream to its configured bound.
//
// KEYS[1] = sequence counter, KEYS[2] = stream
// ARGV[1] = stored_at (RFC3339Nano), ARGV[2] = envelope JSON, ARGV[3] = maxlen
var redisAppendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*',
  'seq', seq, 'stored_at', ARGV[1], 'envelope', ARGV[2])
return seq
`)

// redisFloorScript raises the sequence counter to a floor without ever
// lowering it.
//
// KEYS[1] = sequence counter, ARGV[1] = floor
var redisFloorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if floor > cur then
  redis.call('SET', KEYS[1], floor)
end
return floor
`)

// RedisStore is a Store backed by Redis Streams. One stream per key plus a
// plain counter key for sequence allocation; both are tenant-prefixed.
//
// Ownership model: the client is owned by the caller; Close is a no-op.
type RedisStore struct {
	client *redis.Client
	limits Limits
	maxLen int64
}

// NewRedisStore constructs the Redis Streams backend. maxLen bounds each
// stream (approximate trim); <= 0 falls back to the memory ring default.
func NewRedisStore(client *redis.Client, limits Limits, maxLen int64) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("history: nil redis client")
	}
	if limits.DefaultLimit <= 0 {
		limits = DefaultLimits()
	}
	if maxLen <= 0 {
		maxLen = memDefaultCapacity
	}
	return &RedisStore{client: client, limits: limits, maxLen: maxLen}, nil
}

func (s *RedisStore) Backend() string { return "redis" }

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

// Healthy pings the server with a short deadline.
func (s *RedisStore) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) streamKey(key Key) string { return redisStreamPrefix + key.String() }
func (s *RedisStore) seqKey(key Key) string    { return redisSeqPrefix + key.String() }

// Append stores the envelope with the next sequence number for the key.
func (s *RedisStore) Append(ctx context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("history: encode envelope: %w", err)
	}

	seq, err := redisAppendScript.Run(ctx, s.client,
		[]string{s.seqKey(key), s.streamKey(key)},
		storedAt.UTC().Format(time.RFC3339Nano), string(raw), s.maxLen,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return seq, nil
}

// RaiseSequenceFloor lifts the key's counter so the next Append allocates
// above numbers assigned elsewhere (the failover ring) during an outage.
func (s *RedisStore) RaiseSequenceFloor(ctx context.Context, key Key, floor int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := redisFloorScript.Run(ctx, s.client, []string{s.seqKey(key)}, floor).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get pages the stream in arrival order (which matches sequence order) and
// filters by the sequence bounds.
func (s *RedisStore) Get(ctx context.Context, key Key, in GetInput) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	limit := s.limits.Clamp(in.Limit)
	return s.scan(ctx, s.streamKey(key), "-", "+", limit, func(e Entry) (keep, stop bool) {
		if in.SinceSeq != nil && e.Seq < *in.SinceSeq {
			return false, false
		}
		if in.UntilSeq != nil && e.Seq > *in.UntilSeq {
			return false, true
		}
		return true, false
	})
}

// Replay reads the clamped time window using stream-id time bounds, then
// verifies continuity when strict.
func (s *RedisStore) Replay(ctx context.Context, key Key, in ReplayInput) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	limit := s.limits.Clamp(in.Limit)
	from, to := s.limits.ClampWindow(in.From, in.To)

	// Stream ids are <ms>-<seq>; time bounds map directly onto id ranges.
	start := strconv.FormatInt(from.UnixMilli(), 10) + "-0"
	end := strconv.FormatInt(to.UnixMilli(), 10) + "-9999999"

	out, err := s.scan(ctx, s.streamKey(key), start, end, limit, func(e Entry) (keep, stop bool) {
		if e.StoredAt.Before(from) || e.StoredAt.After(to) {
			return false, false
		}
		return true, false
	})
	if err != nil {
		return nil, err
	}
	if in.StrictSequence {
		if err := verifyContinuity(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// scan pages XRANGE results, decoding and filtering until limit entries are
// collected or the range is exhausted.
func (s *RedisStore) scan(ctx context.Context, stream, start, end string, limit int, filter func(Entry) (keep, stop bool)) ([]Entry, error) {
	const page = 256

	out := make([]Entry, 0, limit)
	cursor := start
	for {
		msgs, err := s.client.XRangeN(ctx, stream, cursor, end, page).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, msg := range msgs {
			e, err := decodeStreamEntry(msg)
			if err != nil {
				return nil, err
			}
			keep, stop := filter(e)
			if stop {
				return out, nil
			}
			if !keep {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				return out, nil
			}
		}
		if len(msgs) < page {
			return out, nil
		}
		cursor = "(" + msgs[len(msgs)-1].ID
	}
}

func decodeStreamEntry(msg redis.XMessage) (Entry, error) {
	var e Entry

	rawSeq, _ := msg.Values["seq"].(string)
	seq, err := strconv.ParseInt(rawSeq, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("history: stream entry %s: bad seq %q", msg.ID, rawSeq)
	}
	e.Seq = seq

	rawTS, _ := msg.Values["stored_at"].(string)
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return Entry{}, fmt.Errorf("history: stream entry %s: bad stored_at %q", msg.ID, rawTS)
	}
	e.StoredAt = ts.UTC()

	rawEnv, _ := msg.Values["envelope"].(string)
	if err := json.Unmarshal([]byte(rawEnv), &e.Envelope); err != nil {
		return Entry{}, fmt.Errorf("history: stream entry %s: %w", msg.ID, err)
	}
	return e, nil
}
