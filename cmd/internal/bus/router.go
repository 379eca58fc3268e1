package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Synthetic history keys for traffic without a real room/channel address.
const (
	// DirectRoom addresses persisted direct messages for replay.
	DirectRoom = "@direct"
	// RoomBroadcastChannel sequences room-wide broadcasts, which have no
	// single origin channel.
	RoomBroadcastChannel = "*"
)

// RouterConfig carries the persistence switches.
type RouterConfig struct {
	// PersistDirect stores direct messages under the @direct synthetic key.
	PersistDirect bool
	// PersistRedacted stores the redacted transport form instead of the
	// original payload for allow_with_redaction outcomes.
	PersistRedacted bool
}

// Router resolves envelopes to recipient sets and delivers through the
// session send queues. It holds no membership state of its own: resolution
// runs over registry and rooms snapshots.
//
// Per-recipient FIFO per origin key is preserved by serializing
// append+enqueue under a per-key mutex; there is no global ordering.
type Router struct {
	log      *slog.Logger
	registry *Registry
	rooms    *Rooms
	history  history.Store
	metrics  *metrics.Metrics
	cfg      RouterConfig

	// Fixed pool of order locks, indexed by key hash. A shared shard only
	// costs contention between colliding keys, never ordering.
	order [orderShards]sync.Mutex
}

const orderShards = 128

// NewRouter wires the router. history may be nil when persistence is
// disabled entirely.
func NewRouter(log *slog.Logger, registry *Registry, rooms *Rooms, store history.Store, m *metrics.Metrics, cfg RouterConfig) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		registry: registry,
		rooms:    rooms,
		history:  store,
		metrics:  m,
		cfg:      cfg,
	}
}

// Route fans out one validated, inspected envelope. original is what history
// stores by default; transport is what recipients receive (they differ only
// for allow_with_redaction outcomes). sender may be nil for server-origin
// envelopes.
//
// Fan-out is best-effort per recipient: the sender only ever observes
// resolution failures (unknown direct target, missing channel), never
// per-recipient delivery problems.
func (rt *Router) Route(ctx context.Context, original, transport v1.Envelope, sender *Session) error {
	if transport.ToClient != "" {
		return rt.routeDirect(ctx, original, transport)
	}

	room, channel, isChannel := transport.SplitChannelTarget()
	if isChannel {
		members, err := rt.rooms.ChannelMembers(transport.TenantID, room, channel)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrChannelNotFound) {
				return v1.NewWireError(v1.CodeTargetNotFound, "channel %s:%s not found", room, channel)
			}
			return err
		}
		key := history.Key{Tenant: transport.TenantID, Room: room, Channel: channel}
		return rt.fanout(ctx, key, original, transport, sender, members, true)
	}

	if transport.Room != "" {
		members, err := rt.rooms.RoomMembers(transport.TenantID, transport.Room)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				return v1.NewWireError(v1.CodeTargetNotFound, "room %s not found", transport.Room)
			}
			return err
		}
		key := history.Key{Tenant: transport.TenantID, Room: transport.Room, Channel: RoomBroadcastChannel}
		return rt.fanout(ctx, key, original, transport, sender, members, true)
	}

	return v1.NewWireError(v1.CodeTargetError, "no routing target")
}

func (rt *Router) routeDirect(ctx context.Context, original, transport v1.Envelope) error {
	target, ok := rt.registry.Lookup(transport.TenantID, transport.ToClient)
	if !ok {
		return v1.NewWireError(v1.CodeTargetNotFound, "client %s is not connected", transport.ToClient)
	}

	if rt.cfg.PersistDirect {
		key := history.Key{Tenant: transport.TenantID, Room: DirectRoom, Channel: DirectRoom}
		return rt.fanout(ctx, key, original, transport, nil, []*Session{target}, true)
	}
	rt.deliver(target, transport)
	return nil
}

// fanout appends to history (when persisting) and enqueues to every
// recipient under the origin key's order lock.
func (rt *Router) fanout(ctx context.Context, key history.Key, original, transport v1.Envelope, sender *Session, members []*Session, persist bool) error {
	lock := rt.orderLock(key.String())
	lock.Lock()
	defer lock.Unlock()

	if persist && rt.history != nil && shouldPersist(original) {
		stored := original
		if rt.cfg.PersistRedacted {
			stored = transport
		}
		if _, err := rt.history.Append(ctx, key, stored, time.Now().UTC()); err != nil {
			// Append failures are never silent, but they do not abort
			// delivery: the failover store has already degraded health.
			rt.log.Error("router.persist.fail", "key", key.String(), "err", err)
		} else {
			rt.metrics.HistoryAppends.WithLabelValues(rt.history.Backend()).Inc()
		}
	}

	echo := transport.EchoRequested()
	for _, m := range members {
		if m == nil {
			continue
		}
		if sender != nil && m.ID == sender.ID && !echo {
			continue
		}
		rt.deliver(m, transport)
	}
	return nil
}

// deliver enqueues to one recipient and records the outcome. A critical
// envelope that cannot be queued closes the session.
func (rt *Router) deliver(s *Session, env v1.Envelope) {
	switch s.Enqueue(env, time.Now().UTC()) {
	case EnqueueOK:
		rt.metrics.EnvelopesRouted.Inc()
	case EnqueueDroppedOldest:
		rt.metrics.EnvelopesRouted.Inc()
		rt.metrics.EnvelopesDropped.WithLabelValues("queue_evict").Inc()
		rt.log.Warn("router.queue.evict", "session_id", s.ID, "client_id", s.Principal.ClientID)
	case EnqueueDroppedIncoming:
		rt.metrics.EnvelopesDropped.WithLabelValues("queue_full").Inc()
		rt.log.Warn("router.queue.drop", "session_id", s.ID, "client_id", s.Principal.ClientID, "type", env.Type)
	case EnqueueCriticalOverflow:
		rt.metrics.EnvelopesDropped.WithLabelValues("critical_overflow").Inc()
		rt.log.Error("router.queue.critical_overflow", "session_id", s.ID, "client_id", s.Principal.ClientID)
		s.Close(v1.CodeBackpressureSaturated)
	case EnqueueClosed:
		rt.metrics.EnvelopesDropped.WithLabelValues("session_closed").Inc()
	}
}

// Deliver sends a server-origin envelope to one session outside fan-out
// (responses, errors, the welcome event).
func (rt *Router) Deliver(s *Session, env v1.Envelope) {
	rt.deliver(s, env)
}

// orderLock returns the shard mutex serializing append+enqueue for one
// origin key. The same key always maps to the same shard.
func (rt *Router) orderLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &rt.order[h.Sum32()%orderShards]
}

// shouldPersist filters what reaches history: data-plane messages and
// telemetry only. Events, responses, and errors are transient.
func shouldPersist(env v1.Envelope) bool {
	return env.Type == v1.TypeMessage || env.Type == v1.TypeTelemetry
}
