// Package history is the append-only per-(tenant, room, channel) envelope
// log. One Store interface, three backends: a bounded in-memory ring (the
// default), Redis Streams, and PostgreSQL. A failover wrapper degrades from
// a durable backend to the ring when the backend errors, without losing
// sequence monotonicity.
package history

import (
	"errors"
	"time"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Sentinel errors, stable for errors.Is and for mapping to wire codes.
var (
	// ErrOverflow is returned by an append when the ring is full and the
	// drop-newest policy is configured.
	ErrOverflow = errors.New("history: ring overflow")
	// ErrSequenceGap is returned by strict replay when sequence continuity
	// is violated.
	ErrSequenceGap = errors.New("history: sequence gap")
	// ErrUnavailable is returned when a durable backend cannot serve the
	// request.
	ErrUnavailable = errors.New("history: backend unavailable")
	// ErrInvalidKey is returned when a key component is empty.
	ErrInvalidKey = errors.New("history: invalid key")
)

// Key addresses one log. Every component is required; tenant prefixes every
// derived storage key so backends cannot mix tenants.
type Key struct {
	Tenant  string
	Room    string
	Channel string
}

// Validate rejects keys with empty components.
func (k Key) Validate() error {
	if k.Tenant == "" || k.Room == "" || k.Channel == "" {
		return ErrInvalidKey
	}
	return nil
}

// String renders the canonical tenant-prefixed form used for locks and
// storage key derivation.
func (k Key) String() string {
	return k.Tenant + ":" + k.Room + ":" + k.Channel
}

// Entry is one persisted record. Seq is strictly monotonic per key and
// assigned by the backend on append.
type Entry struct {
	Seq      int64
	StoredAt time.Time
	Envelope v1.Envelope
}

// GetInput bounds a sequence-window read. Nil bounds are open ends.
type GetInput struct {
	SinceSeq *int64 // entries with Seq >= SinceSeq
	UntilSeq *int64 // entries with Seq <= UntilSeq
	Limit    int    // 0 means the store's default limit
}

// ReplayInput bounds a time-window read. Zero times are open ends. With
// StrictSequence the result is verified gap-free and the call fails with
// ErrSequenceGap otherwise.
type ReplayInput struct {
	From           time.Time
	To             time.Time
	StrictSequence bool
	Limit          int
}

// Limits are the read bounds every backend enforces.
type Limits struct {
	DefaultLimit    int
	MaxLimit        int
	ReplayMaxWindow time.Duration
}

// DefaultLimits mirror the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		DefaultLimit:    100,
		MaxLimit:        1000,
		ReplayMaxWindow: 24 * time.Hour,
	}
}

// Clamp applies default and max to a requested limit.
func (l Limits) Clamp(limit int) int {
	if limit <= 0 {
		limit = l.DefaultLimit
	}
	if l.MaxLimit > 0 && limit > l.MaxLimit {
		limit = l.MaxLimit
	}
	return limit
}

// ClampWindow narrows [from, to] to the configured replay window, anchored
// at the upper bound.
func (l Limits) ClampWindow(from, to time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if l.ReplayMaxWindow > 0 {
		floor := to.Add(-l.ReplayMaxWindow)
		if from.IsZero() || from.Before(floor) {
			from = floor
		}
	}
	return from, to
}

// verifyContinuity checks strictly ascending, gap-free sequence numbers.
func verifyContinuity(entries []Entry) error {
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			return ErrSequenceGap
		}
	}
	return nil
}
