package history

import (
	"context"
	"time"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Store persists and queries envelopes per key.
//
// Requirements:
//   - Append assigns a strictly monotonic sequence number per key.
//   - Get returns entries in ascending sequence order within its bounds.
//   - Replay returns entries in ascending sequence order within its time
//     window, verifying continuity when asked.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error)
	Get(ctx context.Context, key Key, in GetInput) ([]Entry, error)
	Replay(ctx context.Context, key Key, in ReplayInput) ([]Entry, error)

	// Healthy reports backend reachability for the readiness signal.
	Healthy(ctx context.Context) bool
	// Backend names the implementation ("memory", "redis", "postgres").
	Backend() string
	Close() error
}
