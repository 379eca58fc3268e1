package command

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	"github.com/novelbytelabs/arqonbus/cmd/internal/bus"
	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

type fixture struct {
	registry *bus.Registry
	rooms    *bus.Rooms
	router   *bus.Router
	store    *history.MemoryStore
	exec     *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	registry := bus.NewRegistry(bus.DuplicateSupersede)
	rooms := bus.NewRooms(log, true, nil)
	store := history.NewMemoryStore(0, history.DropOldest, history.Limits{})
	router := bus.NewRouter(log, registry, rooms, store, m, bus.RouterConfig{})
	emitter := telemetry.NewEmitter(log, telemetry.LogSink{Log: log}, m, 16)
	t.Cleanup(func() { emitter.Close(time.Second) })

	return &fixture{
		registry: registry,
		rooms:    rooms,
		router:   router,
		store:    store,
		exec: NewExecutor(log, registry, rooms, router, store, history.DefaultLimits(),
			nil, m, emitter, "test"),
	}
}

func principalWith(client string, roles ...identity.Role) identity.Principal {
	return identity.Principal{TenantID: "t1", ClientID: client, Roles: roles}
}

func (f *fixture) connect(t *testing.T, client string, roles ...identity.Role) *bus.Session {
	t.Helper()
	if len(roles) == 0 {
		roles = []identity.Role{identity.RoleUser}
	}
	s := bus.NewSession("sess_"+client, principalWith(client, roles...), 64, time.Now().UTC())
	if _, err := f.registry.Register(s); err != nil {
		t.Fatalf("register %s: %v", client, err)
	}
	return s
}

func commandEnvelope(client, command string, args any) v1.Envelope {
	env := v1.Envelope{
		ID:         "arq_cmd_01J00000000000000000000000",
		Type:       v1.TypeCommand,
		Version:    v1.Version,
		Timestamp:  time.Now().UTC(),
		TenantID:   "t1",
		FromClient: client,
		Command:    command,
	}
	if args != nil {
		b, _ := json.Marshal(args)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		env.Args = m
	}
	return env
}

func run(t *testing.T, f *fixture, sess *bus.Session, command string, args any) v1.Envelope {
	t.Helper()
	return f.exec.Execute(context.Background(), commandEnvelope(sess.Principal.ClientID, command, args), sess)
}

func wantSuccess(t *testing.T, resp v1.Envelope) {
	t.Helper()
	if resp.Type != v1.TypeResponse || resp.Status != v1.StatusSuccess {
		t.Fatalf("response = type %q status %q error %q (%s)", resp.Type, resp.Status, resp.ErrorCode, resp.Error)
	}
}

func wantErrorCode(t *testing.T, resp v1.Envelope, code string) {
	t.Helper()
	if resp.Status != v1.StatusError {
		t.Fatalf("status = %q, want error %s", resp.Status, code)
	}
	if resp.ErrorCode != code {
		t.Fatalf("error code = %q, want %q (%s)", resp.ErrorCode, code, resp.Error)
	}
}

func drainOne(t *testing.T, s *bus.Session) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := s.Next(ctx)
	if !ok {
		t.Fatal("queue drained without an envelope")
	}
	return env
}

func eventName(t *testing.T, env v1.Envelope) string {
	t.Helper()
	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	return p.Event
}

func TestExecuteUnknownCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	resp := run(t, f, alice, "frobnicate", nil)

	wantErrorCode(t, resp, v1.CodeCommandNotFound)
	if resp.RequestID != "arq_cmd_01J00000000000000000000000" {
		t.Fatalf("request_id = %q", resp.RequestID)
	}
	if resp.ToClient != "alice" {
		t.Fatalf("to_client = %q", resp.ToClient)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := run(t, f, f.connect(t, "alice"), v1.CmdPing, nil)
	wantSuccess(t, resp)

	var p v1.PongPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil || !p.Pong {
		t.Fatalf("pong payload: %+v err=%v", p, err)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	f.connect(t, "bob")
	run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})

	resp := run(t, f, alice, v1.CmdStatus, nil)
	wantSuccess(t, resp)

	var p v1.StatusPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if p.Sessions != 2 || p.Rooms != 1 || p.Channels != 1 {
		t.Fatalf("status = %+v", p)
	}
	if p.HistoryBackend != "memory" || !p.HistoryHealthy {
		t.Fatalf("history status = %q healthy=%v", p.HistoryBackend, p.HistoryHealthy)
	}
	if p.Protocol != v1.Version {
		t.Fatalf("protocol = %q", p.Protocol)
	}
}

func TestCreateChannelRequiresUserRole(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	guest := f.connect(t, "visitor", identity.RoleGuest)
	resp := run(t, f, guest, v1.CmdCreateChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantErrorCode(t, resp, v1.CodeAuthorizationDenied)
}

func TestCreateChannelValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")

	resp := run(t, f, alice, v1.CmdCreateChannel, map[string]string{"room": "lobby"})
	wantErrorCode(t, resp, v1.CodeCommandValidationError)

	wantSuccess(t, run(t, f, alice, v1.CmdCreateChannel, map[string]string{"room": "lobby", "channel": "general"}))

	resp = run(t, f, alice, v1.CmdCreateChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantErrorCode(t, resp, v1.CodeCommandValidationError)
}

func TestDeleteChannelIsAdminOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})

	resp := run(t, f, alice, v1.CmdDeleteChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantErrorCode(t, resp, v1.CodeAuthorizationDenied)

	root := f.connect(t, "root", identity.RoleAdmin)
	resp = run(t, f, root, v1.CmdDeleteChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantSuccess(t, resp)

	var ack v1.ChannelAckPayload
	if err := json.Unmarshal(resp.Payload, &ack); err != nil || ack.Members != 1 {
		t.Fatalf("ack = %+v err=%v", ack, err)
	}

	// The detached member hears about it. The member_joined event from its
	// own earlier join is queued first.
	if got := eventName(t, drainOne(t, alice)); got != v1.EventMemberJoined {
		t.Fatalf("first event = %q", got)
	}
	if got := eventName(t, drainOne(t, alice)); got != v1.EventChannelDeleted {
		t.Fatalf("second event = %q", got)
	}

	resp = run(t, f, root, v1.CmdDeleteChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantErrorCode(t, resp, v1.CodeTargetNotFound)
}

func TestJoinFansOutMemberJoined(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	bob := f.connect(t, "bob")
	run(t, f, bob, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})
	drainOne(t, bob) // bob's own member_joined

	alice := f.connect(t, "alice")
	resp := run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantSuccess(t, resp)

	var ack v1.ChannelAckPayload
	if err := json.Unmarshal(resp.Payload, &ack); err != nil || ack.Members != 2 {
		t.Fatalf("ack = %+v err=%v", ack, err)
	}

	ev := drainOne(t, bob)
	if ev.Type != v1.TypeEvent || eventName(t, ev) != v1.EventMemberJoined {
		t.Fatalf("bob saw %q/%q", ev.Type, eventName(t, ev))
	}

	// Idempotent rejoin emits nothing.
	wantSuccess(t, run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"}))
	if bob.QueueLen() != 0 {
		t.Fatalf("rejoin queued an event: len=%d", bob.QueueLen())
	}
}

func TestLeaveChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})

	wantSuccess(t, run(t, f, alice, v1.CmdLeaveChannel, map[string]string{"room": "lobby", "channel": "general"}))

	resp := run(t, f, alice, v1.CmdLeaveChannel, map[string]string{"room": "lobby", "channel": "general"})
	wantErrorCode(t, resp, v1.CodeCommandValidationError)

	resp = run(t, f, alice, v1.CmdLeaveChannel, map[string]string{"room": "nowhere", "channel": "general"})
	wantErrorCode(t, resp, v1.CodeTargetNotFound)
}

func TestListChannelsAndInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	run(t, f, alice, v1.CmdCreateChannel, map[string]string{"room": "ops", "channel": "alerts", "description": "pager feed"})
	run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "ops", "channel": "alerts"})

	resp := run(t, f, alice, v1.CmdListChannels, nil)
	wantSuccess(t, resp)
	var list v1.ListChannelsPayload
	if err := json.Unmarshal(resp.Payload, &list); err != nil {
		t.Fatalf("list payload: %v", err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].Room != "ops" || list.Rooms[0].Members != 1 {
		t.Fatalf("listing = %+v", list)
	}

	resp = run(t, f, alice, v1.CmdChannelInfo, map[string]string{"room": "ops", "channel": "alerts"})
	wantSuccess(t, resp)
	var info v1.ChannelInfoPayload
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		t.Fatalf("info payload: %v", err)
	}
	if info.Creator != "alice" || info.Description != "pager feed" || len(info.Members) != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func seedHistory(t *testing.T, f *fixture, sender *bus.Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env := v1.Envelope{
			ID:         "arq_msg_01J0000000000000000000000" + string(rune('0'+i)),
			Type:       v1.TypeMessage,
			Version:    v1.Version,
			Timestamp:  time.Now().UTC(),
			TenantID:   "t1",
			FromClient: sender.Principal.ClientID,
			Room:       "lobby",
			Channel:    "general",
			Payload:    json.RawMessage(`{"content":"hi"}`),
		}
		if err := f.router.Route(context.Background(), env, env, sender); err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
	}
}

func TestHistoryGet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})
	seedHistory(t, f, alice, 5)

	resp := run(t, f, alice, v1.CmdHistoryGet, map[string]any{"room": "lobby", "channel": "general"})
	wantSuccess(t, resp)

	var p v1.HistoryPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("history payload: %v", err)
	}
	if p.Count != 5 || len(p.Entries) != 5 {
		t.Fatalf("count = %d entries = %d", p.Count, len(p.Entries))
	}
	for i, en := range p.Entries {
		if en.Seq != int64(i+1) {
			t.Fatalf("entry %d seq = %d", i, en.Seq)
		}
	}

	// Sequence window and limit.
	resp = run(t, f, alice, v1.CmdHistoryGet, map[string]any{"room": "lobby", "channel": "general", "since_seq": 3, "limit": 2})
	wantSuccess(t, resp)
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("history payload: %v", err)
	}
	if p.Count != 2 || p.Entries[0].Seq != 3 || !p.HasMore {
		t.Fatalf("windowed = %+v", p)
	}

	// The short alias resolves to the same command.
	resp = run(t, f, alice, v1.AliasHistoryGet, map[string]any{"room": "lobby", "channel": "general"})
	wantSuccess(t, resp)
}

func TestHistoryReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	run(t, f, alice, v1.CmdJoinChannel, map[string]string{"room": "lobby", "channel": "general"})
	seedHistory(t, f, alice, 3)

	resp := run(t, f, alice, v1.CmdHistoryReplay, map[string]any{
		"room": "lobby", "channel": "general", "strict_sequence": true,
	})
	wantSuccess(t, resp)

	var p v1.HistoryPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("replay payload: %v", err)
	}
	if p.Count != 3 {
		t.Fatalf("count = %d", p.Count)
	}

	resp = run(t, f, alice, v1.CmdHistoryReplay, map[string]any{
		"room": "lobby", "channel": "general", "from": "yesterday-ish",
	})
	wantErrorCode(t, resp, v1.CodeCommandValidationError)
}

func TestHistoryArgumentsAreRequired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	resp := run(t, f, alice, v1.CmdHistoryGet, map[string]any{"room": "lobby"})
	wantErrorCode(t, resp, v1.CodeCommandValidationError)
}

func TestDirectHistoryIsAdminOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	resp := run(t, f, alice, v1.CmdHistoryGet, map[string]any{"room": bus.DirectRoom, "channel": bus.DirectRoom})
	wantErrorCode(t, resp, v1.CodeAuthorizationDenied)

	root := f.connect(t, "root", identity.RoleAdmin)
	resp = run(t, f, root, v1.CmdHistoryGet, map[string]any{"room": bus.DirectRoom, "channel": bus.DirectRoom})
	wantSuccess(t, resp)
}

func TestArgsFallBackToPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alice := f.connect(t, "alice")
	env := commandEnvelope("alice", v1.CmdCreateChannel, nil)
	env.Payload = json.RawMessage(`{"room":"lobby","channel":"general"}`)

	resp := f.exec.Execute(context.Background(), env, alice)
	wantSuccess(t, resp)
}

func TestHelpListsEveryCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := run(t, f, f.connect(t, "visitor", identity.RoleGuest), v1.CmdHelp, nil)
	wantSuccess(t, resp)

	var p v1.HelpPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("help payload: %v", err)
	}
	if len(p.Commands) != 11 {
		t.Fatalf("commands listed = %d", len(p.Commands))
	}
	byName := make(map[string]v1.CommandHelp, len(p.Commands))
	for _, c := range p.Commands {
		byName[c.Name] = c
	}
	if _, ok := byName[v1.CmdHistoryReplay]; !ok {
		t.Fatal("op.history.replay missing from help")
	}
	if got := byName[v1.CmdDeleteChannel].Roles; len(got) != 1 || got[0] != "admin" {
		t.Fatalf("delete_channel roles = %v", got)
	}
}
