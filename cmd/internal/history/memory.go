package history

import (
	"context"
	"sync"
	"time"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// DropPolicy selects ring behavior at capacity.
type DropPolicy uint8

const (
	// DropOldest evicts the oldest entry to make room (default).
	DropOldest DropPolicy = iota
	// DropNewest refuses the append with ErrOverflow.
	DropNewest
)

const memDefaultCapacity = 1000

// MemoryStore keeps one bounded ring per key. It is the default backend and
// the degradation target when a durable backend goes away.
type MemoryStore struct {
	capacity int
	policy   DropPolicy
	limits   Limits

	mu   sync.Mutex
	logs map[string]*memLog
}

type memLog struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry // ascending seq; len <= capacity
}

// NewMemoryStore constructs the ring store. capacity <= 0 falls back to the
// default ring size.
func NewMemoryStore(capacity int, policy DropPolicy, limits Limits) *MemoryStore {
	if capacity <= 0 {
		capacity = memDefaultCapacity
	}
	if limits.DefaultLimit <= 0 {
		limits = DefaultLimits()
	}
	return &MemoryStore{
		capacity: capacity,
		policy:   policy,
		limits:   limits,
		logs:     make(map[string]*memLog),
	}
}

func (s *MemoryStore) Backend() string { return "memory" }

// Healthy always reports true; memory cannot be unreachable.
func (s *MemoryStore) Healthy(_ context.Context) bool { return true }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) log(key Key) *memLog {
	ks := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[ks]
	if l == nil {
		l = &memLog{entries: make([]Entry, 0, 64)}
		s.logs[ks] = l
	}
	return l
}

// Append assigns the next sequence number and stores the entry, evicting per
// the drop policy at capacity.
func (s *MemoryStore) Append(ctx context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	l := s.log(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= s.capacity {
		if s.policy == DropNewest {
			return 0, ErrOverflow
		}
		l.entries = l.entries[1:]
	}

	l.seq++
	l.entries = append(l.entries, Entry{Seq: l.seq, StoredAt: storedAt, Envelope: env.Clone()})
	return l.seq, nil
}

// SetSequenceFloor raises the key's sequence counter so numbers assigned
// after a failover stay above everything the durable backend handed out.
func (s *MemoryStore) SetSequenceFloor(key Key, floor int64) {
	l := s.log(key)
	l.mu.Lock()
	if floor > l.seq {
		l.seq = floor
	}
	l.mu.Unlock()
}

func (s *MemoryStore) snapshot(key Key) []Entry {
	l := s.log(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Get returns entries in [SinceSeq, UntilSeq] ascending, bounded by limits.
func (s *MemoryStore) Get(ctx context.Context, key Key, in GetInput) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := s.limits.Clamp(in.Limit)

	out := make([]Entry, 0, limit)
	for _, e := range s.snapshot(key) {
		if in.SinceSeq != nil && e.Seq < *in.SinceSeq {
			continue
		}
		if in.UntilSeq != nil && e.Seq > *in.UntilSeq {
			break
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Replay returns entries whose StoredAt falls in the clamped window, and
// verifies continuity when strict.
func (s *MemoryStore) Replay(ctx context.Context, key Key, in ReplayInput) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := s.limits.Clamp(in.Limit)
	from, to := s.limits.ClampWindow(in.From, in.To)

	out := make([]Entry, 0, limit)
	for _, e := range s.snapshot(key) {
		if e.StoredAt.Before(from) || e.StoredAt.After(to) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	if in.StrictSequence {
		if err := verifyContinuity(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
