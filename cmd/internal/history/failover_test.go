package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// flakyStore is a durable Store whose availability is toggled by tests.
type flakyStore struct {
	mu       sync.Mutex
	up       bool
	floorErr bool
	seq      map[string]int64
	entries  map[string][]Entry
}

func newFlakyStore() *flakyStore {
	return &flakyStore{up: true, seq: make(map[string]int64), entries: make(map[string][]Entry)}
}

func (f *flakyStore) setUp(up bool) {
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
}

func (f *flakyStore) setFloorErr(fail bool) {
	f.mu.Lock()
	f.floorErr = fail
	f.mu.Unlock()
}

func (f *flakyStore) Backend() string { return "flaky" }
func (f *flakyStore) Close() error    { return nil }

func (f *flakyStore) Healthy(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *flakyStore) Append(_ context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return 0, fmt.Errorf("%w: down", ErrUnavailable)
	}
	ks := key.String()
	f.seq[ks]++
	f.entries[ks] = append(f.entries[ks], Entry{Seq: f.seq[ks], StoredAt: storedAt, Envelope: env})
	return f.seq[ks], nil
}

func (f *flakyStore) RaiseSequenceFloor(_ context.Context, key Key, floor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up || f.floorErr {
		return fmt.Errorf("%w: down", ErrUnavailable)
	}
	ks := key.String()
	if floor > f.seq[ks] {
		f.seq[ks] = floor
	}
	return nil
}

func (f *flakyStore) Get(_ context.Context, key Key, in GetInput) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return nil, fmt.Errorf("%w: down", ErrUnavailable)
	}
	return append([]Entry(nil), f.entries[key.String()]...), nil
}

func (f *flakyStore) Replay(_ context.Context, key Key, in ReplayInput) ([]Entry, error) {
	return f.Get(context.Background(), key, GetInput{})
}

func failoverLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFailoverSwitchesToMemoryAndKeepsMonotonicity(t *testing.T) {
	t.Parallel()

	durable := newFlakyStore()
	fallback := NewMemoryStore(100, DropOldest, DefaultLimits())
	fs := NewFailoverStore(failoverLogger(), durable, fallback, nil, nil, time.Hour)
	ctx := context.Background()

	var seqs []int64
	for i := 1; i <= 5; i++ {
		seq, err := fs.Append(ctx, testKey(), testEnvelope(i), time.Now().UTC())
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}

	durable.setUp(false)

	for i := 6; i <= 10; i++ {
		seq, err := fs.Append(ctx, testKey(), testEnvelope(i), time.Now().UTC())
		if err != nil {
			t.Fatalf("append %d after outage: %v", i, err)
		}
		seqs = append(seqs, seq)
	}

	if !fs.Degraded() {
		t.Fatalf("store not degraded after durable failure")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence regressed across failover: %v", seqs)
		}
	}
}

func TestFailoverReadsServeMemoryWhileDegraded(t *testing.T) {
	t.Parallel()

	durable := newFlakyStore()
	fallback := NewMemoryStore(100, DropOldest, DefaultLimits())
	fs := NewFailoverStore(failoverLogger(), durable, fallback, nil, nil, time.Hour)
	ctx := context.Background()

	if _, err := fs.Append(ctx, testKey(), testEnvelope(1), time.Now().UTC()); err != nil {
		t.Fatalf("append: %v", err)
	}
	durable.setUp(false)
	if _, err := fs.Append(ctx, testKey(), testEnvelope(2), time.Now().UTC()); err != nil {
		t.Fatalf("append during outage: %v", err)
	}

	got, err := fs.Get(ctx, testKey(), GetInput{Limit: 10})
	if err != nil {
		t.Fatalf("get during outage: %v", err)
	}
	// Memory only holds the post-failover entry; its seq sits above the
	// durable floor.
	if len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("degraded read wrong: %+v", got)
	}
}

func TestFailoverRecoversAfterProbe(t *testing.T) {
	t.Parallel()

	durable := newFlakyStore()
	fallback := NewMemoryStore(100, DropOldest, DefaultLimits())
	fs := NewFailoverStore(failoverLogger(), durable, fallback, nil, nil, time.Millisecond)
	ctx := context.Background()

	durable.setUp(false)
	if _, err := fs.Append(ctx, testKey(), testEnvelope(1), time.Now().UTC()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !fs.Degraded() {
		t.Fatalf("not degraded")
	}

	durable.setUp(true)
	time.Sleep(5 * time.Millisecond)

	if _, err := fs.Append(ctx, testKey(), testEnvelope(2), time.Now().UTC()); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if fs.Degraded() {
		t.Fatalf("still degraded after successful probe")
	}
}

func TestFailoverKeepsMonotonicityAcrossRecovery(t *testing.T) {
	t.Parallel()

	durable := newFlakyStore()
	fallback := NewMemoryStore(100, DropOldest, DefaultLimits())
	fs := NewFailoverStore(failoverLogger(), durable, fallback, nil, nil, time.Millisecond)
	ctx := context.Background()

	var seqs []int64
	appendOne := func(i int) {
		t.Helper()
		seq, err := fs.Append(ctx, testKey(), testEnvelope(i), time.Now().UTC())
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}

	appendOne(1)
	appendOne(2)

	durable.setUp(false)
	appendOne(3)
	appendOne(4)
	appendOne(5)
	if !fs.Degraded() {
		t.Fatalf("not degraded during outage")
	}

	durable.setUp(true)
	time.Sleep(5 * time.Millisecond)
	appendOne(6)
	appendOne(7)

	if fs.Degraded() {
		t.Fatalf("still degraded after recovery")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence regressed across recovery: %v", seqs)
		}
	}
	// The post-recovery appends must land in the durable backend, above the
	// floor the ring reached during the outage.
	if got := durable.seq[testKey().String()]; got != seqs[len(seqs)-1] {
		t.Fatalf("durable cursor %d, want %d", got, seqs[len(seqs)-1])
	}
}

func TestFailoverStaysDegradedWhileFloorPushFails(t *testing.T) {
	t.Parallel()

	durable := newFlakyStore()
	fallback := NewMemoryStore(100, DropOldest, DefaultLimits())
	fs := NewFailoverStore(failoverLogger(), durable, fallback, nil, nil, time.Millisecond)
	ctx := context.Background()

	durable.setUp(false)
	if _, err := fs.Append(ctx, testKey(), testEnvelope(1), time.Now().UTC()); err != nil {
		t.Fatalf("append during outage: %v", err)
	}

	// Healthy again but floor pushes refused: recovery must not proceed.
	durable.setUp(true)
	durable.setFloorErr(true)
	time.Sleep(5 * time.Millisecond)
	if _, err := fs.Append(ctx, testKey(), testEnvelope(2), time.Now().UTC()); err != nil {
		t.Fatalf("append with floor push failing: %v", err)
	}
	if !fs.Degraded() {
		t.Fatalf("recovered despite failing floor push")
	}

	durable.setFloorErr(false)
	time.Sleep(5 * time.Millisecond)
	if _, err := fs.Append(ctx, testKey(), testEnvelope(3), time.Now().UTC()); err != nil {
		t.Fatalf("append after floor push restored: %v", err)
	}
	if fs.Degraded() {
		t.Fatalf("still degraded after floor push restored")
	}
}

func TestFailoverPropagatesNonBackendErrors(t *testing.T) {
	t.Parallel()

	durable := newFlakyStore()
	fallback := NewMemoryStore(100, DropOldest, DefaultLimits())
	fs := NewFailoverStore(failoverLogger(), durable, fallback, nil, nil, time.Hour)

	_, err := fs.Append(context.Background(), Key{Tenant: "t1"}, testEnvelope(1), time.Now().UTC())
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("invalid key must not trigger failover, got %v", err)
	}
	if fs.Degraded() {
		t.Fatalf("degraded on caller error")
	}
}
