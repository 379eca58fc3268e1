package history

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// sequenceFloorer raises a durable backend's per-key sequence cursor to a
// floor assigned elsewhere. Backends implement it so numbers handed out by
// the fallback ring during an outage are never re-issued after recovery.
type sequenceFloorer interface {
	RaiseSequenceFloor(ctx context.Context, key Key, floor int64) error
}

// FailoverStore fronts a durable backend with the in-memory ring. When the
// durable backend errors, new appends land in the ring (with the sequence
// floor carried over so monotonicity holds), reads serve memory only, and
// the health signal flips to degraded. Recovery is probed at a fixed
// interval and pushes the outage-era floors back into the durable cursors
// before resuming; append failures are never silent.
type FailoverStore struct {
	log      *slog.Logger
	durable  Store
	fallback *MemoryStore
	metrics  *metrics.Metrics
	emitter  *telemetry.Emitter

	probeInterval time.Duration

	degraded atomic.Bool

	mu        sync.Mutex
	lastProbe time.Time
	lastSeq   map[string]int64 // highest seq assigned per key, by either backend
}

// NewFailoverStore wires the durable backend to its memory fallback.
// probeInterval <= 0 falls back to 15s.
func NewFailoverStore(log *slog.Logger, durable Store, fallback *MemoryStore, m *metrics.Metrics, emitter *telemetry.Emitter, probeInterval time.Duration) *FailoverStore {
	if log == nil {
		log = slog.Default()
	}
	if probeInterval <= 0 {
		probeInterval = 15 * time.Second
	}
	return &FailoverStore{
		log:           log,
		durable:       durable,
		fallback:      fallback,
		metrics:       m,
		emitter:       emitter,
		probeInterval: probeInterval,
		lastSeq:       make(map[string]int64),
	}
}

// Backend names the durable backend; the wrapper is transparent when healthy.
func (s *FailoverStore) Backend() string { return s.durable.Backend() }

// Degraded reports whether appends are currently landing in memory.
func (s *FailoverStore) Degraded() bool { return s.degraded.Load() }

// Healthy reflects the durable backend unless already degraded.
func (s *FailoverStore) Healthy(ctx context.Context) bool {
	if s.degraded.Load() {
		return false
	}
	return s.durable.Healthy(ctx)
}

func (s *FailoverStore) Close() error { return s.durable.Close() }

// Append writes to the durable backend, falling back to the ring on error.
func (s *FailoverStore) Append(ctx context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error) {
	if s.degraded.Load() && !s.maybeRecover(ctx) {
		return s.appendFallback(ctx, key, env, storedAt)
	}

	seq, err := s.durable.Append(ctx, key, env, storedAt)
	if err == nil {
		s.noteSeq(key, seq)
		return seq, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return 0, err
	}

	s.degrade(key, err)
	return s.appendFallback(ctx, key, env, storedAt)
}

// appendFallback writes to the ring and records the assigned number so
// recovery can raise the durable cursor above it.
func (s *FailoverStore) appendFallback(ctx context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error) {
	seq, err := s.fallback.Append(ctx, key, env, storedAt)
	if err == nil {
		s.noteSeq(key, seq)
	}
	return seq, err
}

func (s *FailoverStore) noteSeq(key Key, seq int64) {
	s.mu.Lock()
	if seq > s.lastSeq[key.String()] {
		s.lastSeq[key.String()] = seq
	}
	s.mu.Unlock()
}

// Get serves memory while degraded, the durable backend otherwise.
func (s *FailoverStore) Get(ctx context.Context, key Key, in GetInput) ([]Entry, error) {
	if s.degraded.Load() {
		return s.fallback.Get(ctx, key, in)
	}
	out, err := s.durable.Get(ctx, key, in)
	if errors.Is(err, ErrUnavailable) {
		s.degrade(key, err)
		return s.fallback.Get(ctx, key, in)
	}
	return out, err
}

// Replay serves memory while degraded, the durable backend otherwise.
func (s *FailoverStore) Replay(ctx context.Context, key Key, in ReplayInput) ([]Entry, error) {
	if s.degraded.Load() {
		return s.fallback.Replay(ctx, key, in)
	}
	out, err := s.durable.Replay(ctx, key, in)
	if errors.Is(err, ErrUnavailable) {
		s.degrade(key, err)
		return s.fallback.Replay(ctx, key, in)
	}
	return out, err
}

func (s *FailoverStore) degrade(key Key, cause error) {
	// Carry the durable sequence floor into the ring before the first
	// fallback append so per-key monotonicity survives the switch.
	s.mu.Lock()
	for ks, seq := range s.lastSeq {
		s.fallback.SetSequenceFloor(splitKey(ks), seq)
	}
	s.lastProbe = time.Now()
	s.mu.Unlock()

	if s.degraded.CompareAndSwap(false, true) {
		s.log.Error("history.degraded", "backend", s.durable.Backend(), "key", key.String(), "err", cause)
		if s.metrics != nil {
			s.metrics.HistoryDegraded.Set(1)
			s.metrics.HistoryErrors.WithLabelValues(s.durable.Backend()).Inc()
		}
		s.emitter.Emit(telemetry.EventHistoryDegraded, key.Tenant, map[string]any{
			"backend": s.durable.Backend(),
		})
	}
}

// maybeRecover probes the durable backend at most once per interval and
// reports whether it is usable again. Before flipping back it raises the
// durable per-key cursors to the floors the ring assigned during the
// outage, so the durable backend cannot re-issue those numbers.
func (s *FailoverStore) maybeRecover(ctx context.Context) bool {
	s.mu.Lock()
	due := time.Since(s.lastProbe) >= s.probeInterval
	if due {
		s.lastProbe = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return false
	}

	if !s.durable.Healthy(ctx) {
		return false
	}
	if !s.raiseDurableFloors(ctx) {
		return false
	}

	if s.degraded.CompareAndSwap(true, false) {
		s.log.Info("history.recovered", "backend", s.durable.Backend())
		if s.metrics != nil {
			s.metrics.HistoryDegraded.Set(0)
		}
		s.emitter.Emit(telemetry.EventHistoryRecovered, "", map[string]any{
			"backend": s.durable.Backend(),
		})
	}
	return true
}

// raiseDurableFloors pushes every known per-key high-water mark into the
// durable sequence cursor. Recovery is refused while any push fails, so a
// half-reconciled cursor can never hand out a stale number.
func (s *FailoverStore) raiseDurableFloors(ctx context.Context) bool {
	fl, ok := s.durable.(sequenceFloorer)
	if !ok {
		return true
	}

	s.mu.Lock()
	floors := make(map[string]int64, len(s.lastSeq))
	for ks, seq := range s.lastSeq {
		floors[ks] = seq
	}
	s.mu.Unlock()

	for ks, seq := range floors {
		if err := fl.RaiseSequenceFloor(ctx, splitKey(ks), seq); err != nil {
			s.log.Warn("history.recover.floor_fail", "key", ks, "err", err)
			return false
		}
	}
	return true
}

func splitKey(ks string) Key {
	parts := strings.SplitN(ks, ":", 3)
	if len(parts) != 3 {
		return Key{}
	}
	return Key{Tenant: parts[0], Room: parts[1], Channel: parts[2]}
}
