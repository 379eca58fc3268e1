// Package command implements the control-plane executor: a fixed, versioned
// command set with per-command argument schemas, role checks, deterministic
// response envelopes, and lifecycle event fan-out.
package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	"github.com/novelbytelabs/arqonbus/cmd/internal/bus"
	"github.com/novelbytelabs/arqonbus/cmd/internal/casil"
	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// handler executes one command and returns the response payload.
type handler func(ctx context.Context, req v1.Envelope, sess *bus.Session) (json.RawMessage, error)

// spec describes one command: wire name, aliases, docs, the minimum role,
// and the handler.
type spec struct {
	name    string
	aliases []string
	summary string
	usage   string
	minRole identity.Role
	run     handler
}

// Executor dispatches command envelopes against the built-in command table.
// Mutating commands apply under the rooms store's locks and fan out
// lifecycle events to affected room members.
type Executor struct {
	log       *slog.Logger
	registry  *bus.Registry
	rooms     *bus.Rooms
	router    *bus.Router
	history   history.Store
	limits    history.Limits
	inspector *casil.Engine
	metrics   *metrics.Metrics
	emitter   *telemetry.Emitter

	version   string
	startedAt time.Time

	commands map[string]*spec // canonical name and aliases -> spec
	ordered  []*spec          // help listing order
}

// NewExecutor builds the executor with the full built-in command set.
func NewExecutor(
	log *slog.Logger,
	registry *bus.Registry,
	rooms *bus.Rooms,
	router *bus.Router,
	store history.Store,
	limits history.Limits,
	inspector *casil.Engine,
	m *metrics.Metrics,
	emitter *telemetry.Emitter,
	version string,
) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if limits.DefaultLimit <= 0 {
		limits = history.DefaultLimits()
	}
	e := &Executor{
		log:       log,
		registry:  registry,
		rooms:     rooms,
		router:    router,
		history:   store,
		limits:    limits,
		inspector: inspector,
		metrics:   m,
		emitter:   emitter,
		version:   version,
		startedAt: time.Now().UTC(),
		commands:  make(map[string]*spec),
	}
	e.install()
	return e
}

func (e *Executor) register(s *spec) {
	e.commands[s.name] = s
	for _, a := range s.aliases {
		e.commands[a] = s
	}
	e.ordered = append(e.ordered, s)
}

// Execute runs one command envelope and always returns a type=response
// envelope: command failures become status=error responses, never dropped
// frames.
func (e *Executor) Execute(ctx context.Context, env v1.Envelope, sess *bus.Session) v1.Envelope {
	now := time.Now().UTC()

	s, ok := e.commands[env.Command]
	if !ok {
		e.observe(env.Command, v1.StatusError)
		return bus.ErrorResponseEnvelope(env, v1.CodeCommandNotFound,
			"unknown command: "+env.Command+" (try help)", now)
	}

	if !e.authorized(sess.Principal, s.minRole) {
		e.observe(s.name, v1.StatusError)
		return bus.ErrorResponseEnvelope(env, v1.CodeAuthorizationDenied,
			"command "+s.name+" requires the "+string(s.minRole)+" role", now)
	}

	payload, err := s.run(ctx, env, sess)
	if err != nil {
		e.observe(s.name, v1.StatusError)
		e.log.Info("command.fail", "command", s.name, "client_id", sess.Principal.ClientID, "code", v1.CodeOf(err), "err", err)
		return bus.ErrorResponseEnvelope(env, v1.CodeOf(err), v1.MessageOf(err), now)
	}

	e.observe(s.name, v1.StatusSuccess)
	e.log.Info("command.ok", "command", s.name, "client_id", sess.Principal.ClientID)
	return bus.ResponseEnvelope(env, v1.StatusSuccess, payload, now)
}

func (e *Executor) observe(command, status string) {
	if e.metrics != nil {
		e.metrics.CommandsExecuted.WithLabelValues(command, status).Inc()
	}
}

// authorized applies the guest < user < admin ladder.
func (e *Executor) authorized(p identity.Principal, min identity.Role) bool {
	switch min {
	case identity.RoleAdmin:
		return p.IsAdmin()
	case identity.RoleUser:
		return p.IsAdmin() || p.HasRole(identity.RoleUser)
	default:
		return true
	}
}

// fanoutEvent broadcasts a lifecycle event to a room's members and mirrors
// it into telemetry. Fan-out failures are not the command's problem: the
// mutation already happened.
func (e *Executor) fanoutEvent(ctx context.Context, tenant, event, room, channel, clientID string) {
	now := time.Now().UTC()
	ev := bus.LifecycleEventEnvelope(tenant, event, room, channel, clientID, now)
	ev.Room = room
	if err := e.router.Route(ctx, ev, ev, nil); err != nil {
		e.log.Debug("command.event.skip", "event", event, "room", room, "err", err)
	}
	e.emitter.Emit(event, tenant, map[string]any{
		"room":      room,
		"channel":   channel,
		"client_id": clientID,
	})
}

// deliverEvent sends a lifecycle event to an explicit session list (used
// when the membership snapshot predates the mutation, e.g. delete_channel).
func (e *Executor) deliverEvent(tenant, event, room, channel, clientID string, members []*bus.Session) {
	now := time.Now().UTC()
	ev := bus.LifecycleEventEnvelope(tenant, event, room, channel, clientID, now)
	for _, m := range members {
		e.router.Deliver(m, ev)
	}
	e.emitter.Emit(event, tenant, map[string]any{
		"room":      room,
		"channel":   channel,
		"client_id": clientID,
	})
}
