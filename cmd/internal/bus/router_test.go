package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

type routerFixture struct {
	registry *Registry
	rooms    *Rooms
	store    *history.MemoryStore
	metrics  *metrics.Metrics
	router   *Router
}

func newRouterFixture(t *testing.T, cfg RouterConfig) *routerFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &routerFixture{
		registry: NewRegistry(DuplicateSupersede),
		rooms:    NewRooms(log, true, nil),
		store:    history.NewMemoryStore(0, history.DropOldest, history.Limits{}),
		metrics:  metrics.New(),
	}
	f.router = NewRouter(log, f.registry, f.rooms, f.store, f.metrics, cfg)
	return f
}

func (f *routerFixture) connect(t *testing.T, client string) *Session {
	t.Helper()
	s := testSession(t, client, minSendQueueSize)
	if _, err := f.registry.Register(s); err != nil {
		t.Fatalf("register %s: %v", client, err)
	}
	return s
}

func channelMessage(from, channel string) v1.Envelope {
	env := msgEnvelope(0)
	env.TenantID = "t1"
	env.FromClient = from
	env.Channel = channel
	return env
}

func drainOne(t *testing.T, s *Session) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := s.Next(ctx)
	if !ok {
		t.Fatal("expected a queued envelope")
	}
	return env
}

func TestRouteDirectDelivery(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	f.connect(t, "alice")
	bob := f.connect(t, "bob")

	env := msgEnvelope(0)
	env.TenantID = "t1"
	env.FromClient = "alice"
	env.ToClient = "bob"

	if err := f.router.Route(context.Background(), env, env, nil); err != nil {
		t.Fatalf("route: %v", err)
	}
	got := drainOne(t, bob)
	if got.ID != env.ID {
		t.Fatalf("delivered %s, want %s", got.ID, env.ID)
	}

	// Direct messages are not persisted by default.
	key := history.Key{Tenant: "t1", Room: DirectRoom, Channel: DirectRoom}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("direct message persisted: %d entries", len(entries))
	}
}

func TestRouteDirectOfflineTarget(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	f.connect(t, "alice")

	env := msgEnvelope(0)
	env.TenantID = "t1"
	env.ToClient = "ghost"

	err := f.router.Route(context.Background(), env, env, nil)
	var we *v1.WireError
	if !errors.As(err, &we) || we.Code != v1.CodeTargetNotFound {
		t.Fatalf("err = %v, want TARGET_NOT_FOUND", err)
	}
}

func TestRouteDirectNeverCrossesTenants(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	other := NewSession("s_eve", testPrincipal("eve"), minSendQueueSize, time.Now().UTC())
	other.Principal.TenantID = "t2"
	if _, err := f.registry.Register(other); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := msgEnvelope(0)
	env.TenantID = "t1"
	env.ToClient = "eve"

	err := f.router.Route(context.Background(), env, env, nil)
	var we *v1.WireError
	if !errors.As(err, &we) || we.Code != v1.CodeTargetNotFound {
		t.Fatalf("cross-tenant direct resolved: %v", err)
	}
	if other.QueueLen() != 0 {
		t.Fatal("cross-tenant delivery happened")
	}
}

func TestRoutePersistsDirectWhenEnabled(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{PersistDirect: true})
	f.connect(t, "bob")

	env := msgEnvelope(0)
	env.TenantID = "t1"
	env.ToClient = "bob"

	if err := f.router.Route(context.Background(), env, env, nil); err != nil {
		t.Fatalf("route: %v", err)
	}
	key := history.Key{Tenant: "t1", Room: DirectRoom, Channel: DirectRoom}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
}

func TestRouteChannelFanoutExcludesSender(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	carol := f.connect(t, "carol")
	now := time.Now().UTC()
	for _, s := range []*Session{alice, bob, carol} {
		mustJoin(t, f.rooms, "t1", "lobby", "general", s, now)
	}

	env := channelMessage("alice", "lobby:general")
	if err := f.router.Route(context.Background(), env, env, alice); err != nil {
		t.Fatalf("route: %v", err)
	}

	if alice.QueueLen() != 0 {
		t.Fatal("sender received its own fan-out without echo")
	}
	for _, s := range []*Session{bob, carol} {
		got := drainOne(t, s)
		if got.ID != env.ID {
			t.Fatalf("recipient got %s", got.ID)
		}
		if s.QueueLen() != 0 {
			t.Fatal("recipient received more than once")
		}
	}

	// Persisted under the origin key.
	key := history.Key{Tenant: "t1", Room: "lobby", Channel: "general"}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 1 {
		t.Fatalf("history = %+v", entries)
	}
}

func TestRouteChannelEchoOptIn(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")
	mustJoin(t, f.rooms, "t1", "lobby", "general", alice, time.Now().UTC())

	env := channelMessage("alice", "lobby:general")
	env.Metadata = map[string]any{"echo": true}

	if err := f.router.Route(context.Background(), env, env, alice); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := drainOne(t, alice); got.ID != env.ID {
		t.Fatalf("echo copy = %s", got.ID)
	}
}

func TestRouteUnknownChannel(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")

	env := channelMessage("alice", "nowhere:general")
	err := f.router.Route(context.Background(), env, env, alice)
	var we *v1.WireError
	if !errors.As(err, &we) || we.Code != v1.CodeTargetNotFound {
		t.Fatalf("err = %v, want TARGET_NOT_FOUND", err)
	}
}

func TestRouteRoomBroadcastReachesChannelUnion(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	now := time.Now().UTC()
	mustJoin(t, f.rooms, "t1", "lobby", "general", alice, now)
	mustJoin(t, f.rooms, "t1", "lobby", "random", bob, now)
	mustJoin(t, f.rooms, "t1", "lobby", "random", alice, now)

	env := msgEnvelope(0)
	env.TenantID = "t1"
	env.FromClient = "carol"
	env.Room = "lobby"

	if err := f.router.Route(context.Background(), env, env, nil); err != nil {
		t.Fatalf("route: %v", err)
	}

	// alice is in two channels but gets exactly one copy.
	drainOne(t, alice)
	if alice.QueueLen() != 0 {
		t.Fatal("union member delivered twice")
	}
	drainOne(t, bob)

	key := history.Key{Tenant: "t1", Room: "lobby", Channel: RoomBroadcastChannel}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("room broadcast history = %d", len(entries))
	}
}

func TestRoutePersistsOriginalNotRedacted(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	now := time.Now().UTC()
	mustJoin(t, f.rooms, "t1", "lobby", "general", alice, now)
	mustJoin(t, f.rooms, "t1", "lobby", "general", bob, now)

	original := channelMessage("alice", "lobby:general")
	transport := original.Clone()
	transport.Payload = []byte(`{"password":"***REDACTED***"}`)

	if err := f.router.Route(context.Background(), original, transport, alice); err != nil {
		t.Fatalf("route: %v", err)
	}

	// Recipient sees the redacted form; history keeps the original.
	got := drainOne(t, bob)
	if string(got.Payload) != string(transport.Payload) {
		t.Fatalf("transport payload = %s", got.Payload)
	}
	key := history.Key{Tenant: "t1", Room: "lobby", Channel: "general"}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entries[0].Envelope.Payload) != string(original.Payload) {
		t.Fatalf("history payload = %s", entries[0].Envelope.Payload)
	}
}

func TestRoutePersistsRedactedWhenConfigured(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{PersistRedacted: true})
	alice := f.connect(t, "alice")
	mustJoin(t, f.rooms, "t1", "lobby", "general", alice, time.Now().UTC())

	original := channelMessage("alice", "lobby:general")
	transport := original.Clone()
	transport.Payload = []byte(`{"password":"***REDACTED***"}`)

	if err := f.router.Route(context.Background(), original, transport, alice); err != nil {
		t.Fatalf("route: %v", err)
	}
	key := history.Key{Tenant: "t1", Room: "lobby", Channel: "general"}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entries[0].Envelope.Payload) != string(transport.Payload) {
		t.Fatalf("history payload = %s", entries[0].Envelope.Payload)
	}
}

func TestRouteEventsAreNotPersisted(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")
	mustJoin(t, f.rooms, "t1", "lobby", "general", alice, time.Now().UTC())

	ev := LifecycleEventEnvelope("t1", "member_joined", "lobby", "general", "bob", time.Now().UTC())
	ev.Room = "lobby"
	if err := f.router.Route(context.Background(), ev, ev, nil); err != nil {
		t.Fatalf("route: %v", err)
	}
	drainOne(t, alice)

	key := history.Key{Tenant: "t1", Room: "lobby", Channel: RoomBroadcastChannel}
	entries, err := f.store.Get(context.Background(), key, history.GetInput{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("event envelope reached history")
	}
}

func TestRouteCountsAppendsPerBackend(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	now := time.Now().UTC()
	mustJoin(t, f.rooms, "t1", "lobby", "general", alice, now)
	mustJoin(t, f.rooms, "t1", "lobby", "general", bob, now)

	env := channelMessage("alice", "lobby:general")
	if err := f.router.Route(context.Background(), env, env, alice); err != nil {
		t.Fatalf("route: %v", err)
	}

	appends := f.metrics.HistoryAppends.WithLabelValues(f.store.Backend())
	if got := testutil.ToFloat64(appends); got != 1 {
		t.Fatalf("append counter = %v, want 1", got)
	}

	// Transient envelopes never reach history, so the counter holds.
	ev := LifecycleEventEnvelope("t1", "member_joined", "lobby", "general", "carol", now)
	ev.Room = "lobby"
	if err := f.router.Route(context.Background(), ev, ev, nil); err != nil {
		t.Fatalf("route event: %v", err)
	}
	if got := testutil.ToFloat64(appends); got != 1 {
		t.Fatalf("append counter after event = %v, want 1", got)
	}
}

func TestOrderLockStableAndBounded(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})

	key := history.Key{Tenant: "t1", Room: "lobby", Channel: "general"}.String()
	if f.router.orderLock(key) != f.router.orderLock(key) {
		t.Fatal("same key resolved to different order locks")
	}

	distinct := make(map[*sync.Mutex]struct{})
	for i := 0; i < 10_000; i++ {
		k := history.Key{Tenant: "t1", Room: fmt.Sprintf("room-%d", i), Channel: "general"}.String()
		distinct[f.router.orderLock(k)] = struct{}{}
	}
	if len(distinct) > orderShards {
		t.Fatalf("lock pool grew to %d, want at most %d", len(distinct), orderShards)
	}
}

func TestDeliverClosesSessionOnCriticalOverflow(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, RouterConfig{})
	s := f.connect(t, "alice")
	now := time.Now().UTC()
	for i := 0; i < minSendQueueSize; i++ {
		s.Enqueue(errEnvelope(i), now)
	}

	f.router.Deliver(s, errEnvelope(999))
	if s.CloseReason() != v1.CodeBackpressureSaturated {
		t.Fatalf("close reason = %q", s.CloseReason())
	}
}
