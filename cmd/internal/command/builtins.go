package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	"github.com/novelbytelabs/arqonbus/cmd/internal/bus"
	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// decodeArgs parses command arguments into dst. The args map is canonical;
// a payload object is accepted as a fallback for older clients. Absent
// arguments leave dst zeroed; malformed ones are a validation error.
func decodeArgs(env v1.Envelope, dst any) error {
	raw := env.Payload
	if len(env.Args) > 0 {
		b, err := json.Marshal(env.Args)
		if err != nil {
			return v1.NewWireError(v1.CodeCommandValidationError, "malformed command arguments: %v", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return v1.NewWireError(v1.CodeCommandValidationError, "malformed command arguments: %v", err)
	}
	return nil
}

func requireArg(name, value string) error {
	if value == "" {
		return v1.NewWireError(v1.CodeCommandValidationError, "missing required argument: %s", name)
	}
	return nil
}

// parseTimeArg accepts RFC3339 (with optional fractional seconds). Empty
// input yields the zero time, meaning an open bound.
func parseTimeArg(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, v1.NewWireError(v1.CodeCommandValidationError, "argument %s: not an RFC3339 timestamp", name)
	}
	return t.UTC(), nil
}

func (e *Executor) install() {
	e.register(&spec{
		name:    v1.CmdStatus,
		summary: "Server status: sessions, rooms, history backend health.",
		usage:   "status",
		minRole: identity.RoleGuest,
		run:     e.cmdStatus,
	})
	e.register(&spec{
		name:    v1.CmdPing,
		summary: "Liveness probe; answers with pong.",
		usage:   "ping",
		minRole: identity.RoleGuest,
		run:     e.cmdPing,
	})
	e.register(&spec{
		name:    v1.CmdCreateChannel,
		summary: "Create a channel (and its room when absent).",
		usage:   `create_channel {"room":"r","channel":"c","description":"..."}`,
		minRole: identity.RoleUser,
		run:     e.cmdCreateChannel,
	})
	e.register(&spec{
		name:    v1.CmdDeleteChannel,
		summary: "Delete a channel; members are notified and detached.",
		usage:   `delete_channel {"room":"r","channel":"c"}`,
		minRole: identity.RoleAdmin,
		run:     e.cmdDeleteChannel,
	})
	e.register(&spec{
		name:    v1.CmdJoinChannel,
		summary: "Join a channel; idempotent for existing members.",
		usage:   `join_channel {"room":"r","channel":"c"}`,
		minRole: identity.RoleGuest,
		run:     e.cmdJoinChannel,
	})
	e.register(&spec{
		name:    v1.CmdLeaveChannel,
		summary: "Leave a channel.",
		usage:   `leave_channel {"room":"r","channel":"c"}`,
		minRole: identity.RoleGuest,
		run:     e.cmdLeaveChannel,
	})
	e.register(&spec{
		name:    v1.CmdListChannels,
		summary: "List the tenant's rooms and channels.",
		usage:   "list_channels",
		minRole: identity.RoleGuest,
		run:     e.cmdListChannels,
	})
	e.register(&spec{
		name:    v1.CmdChannelInfo,
		summary: "Channel detail: creator, description, members.",
		usage:   `channel_info {"room":"r","channel":"c"}`,
		minRole: identity.RoleGuest,
		run:     e.cmdChannelInfo,
	})
	e.register(&spec{
		name:    v1.CmdHistoryGet,
		aliases: []string{v1.AliasHistoryGet},
		summary: "Fetch persisted envelopes by sequence window.",
		usage:   `op.history.get {"room":"r","channel":"c","since_seq":1,"until_seq":50,"limit":100}`,
		minRole: identity.RoleUser,
		run:     e.cmdHistoryGet,
	})
	e.register(&spec{
		name:    v1.CmdHistoryReplay,
		aliases: []string{v1.AliasHistoryReplay},
		summary: "Replay persisted envelopes by time window.",
		usage:   `op.history.replay {"room":"r","channel":"c","from":"2026-01-01T00:00:00Z","to":"...","strict_sequence":true}`,
		minRole: identity.RoleUser,
		run:     e.cmdHistoryReplay,
	})
	e.register(&spec{
		name:    v1.CmdHelp,
		summary: "Describe the available commands.",
		usage:   "help",
		minRole: identity.RoleGuest,
		run:     e.cmdHelp,
	})
}

func (e *Executor) cmdStatus(ctx context.Context, _ v1.Envelope, _ *bus.Session) (json.RawMessage, error) {
	rooms, channels := e.rooms.Counts()
	p := v1.StatusPayload{
		Version:       e.version,
		Protocol:      v1.Version,
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
		Sessions:      e.registry.Len(),
		Rooms:         rooms,
		Channels:      channels,
	}
	if e.history != nil {
		p.HistoryBackend = e.history.Backend()
		p.HistoryHealthy = e.history.Healthy(ctx)
	}
	if e.inspector != nil {
		p.CASILEnabled = e.inspector.Enabled()
		if p.CASILEnabled {
			p.CASILMode = e.inspector.Mode()
		}
	}
	return v1.MarshalPayload(p)
}

func (e *Executor) cmdPing(_ context.Context, _ v1.Envelope, _ *bus.Session) (json.RawMessage, error) {
	return v1.MarshalPayload(v1.PongPayload{Pong: true, At: time.Now().UTC()})
}

type channelArgs struct {
	Room        string `json:"room"`
	Channel     string `json:"channel"`
	Description string `json:"description"`
}

func (a channelArgs) validate() error {
	if err := requireArg("room", a.Room); err != nil {
		return err
	}
	return requireArg("channel", a.Channel)
}

func (e *Executor) cmdCreateChannel(ctx context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	var args channelArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	tenant := sess.Principal.TenantID
	now := time.Now().UTC()
	err := e.rooms.CreateChannel(tenant, args.Room, args.Channel, sess.Principal.ClientID, args.Description, now)
	if errors.Is(err, bus.ErrChannelExists) {
		return nil, v1.NewWireError(v1.CodeCommandValidationError, "channel %s:%s already exists", args.Room, args.Channel)
	}
	if err != nil {
		return nil, err
	}

	e.fanoutEvent(ctx, tenant, v1.EventChannelCreated, args.Room, args.Channel, sess.Principal.ClientID)
	return v1.MarshalPayload(v1.ChannelAckPayload{Room: args.Room, Channel: args.Channel})
}

func (e *Executor) cmdDeleteChannel(_ context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	var args channelArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	tenant := sess.Principal.TenantID
	members, err := e.rooms.DeleteChannel(tenant, args.Room, args.Channel)
	if errors.Is(err, bus.ErrRoomNotFound) || errors.Is(err, bus.ErrChannelNotFound) {
		return nil, v1.NewWireError(v1.CodeTargetNotFound, "channel %s:%s not found", args.Room, args.Channel)
	}
	if err != nil {
		return nil, err
	}

	// The membership snapshot predates the deletion, so fan out directly.
	e.deliverEvent(tenant, v1.EventChannelDeleted, args.Room, args.Channel, sess.Principal.ClientID, members)
	return v1.MarshalPayload(v1.ChannelAckPayload{Room: args.Room, Channel: args.Channel, Members: len(members)})
}

func (e *Executor) cmdJoinChannel(ctx context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	var args channelArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	tenant := sess.Principal.TenantID
	now := time.Now().UTC()
	created, joined, err := e.rooms.JoinChannel(tenant, args.Room, args.Channel, sess, now)
	if errors.Is(err, bus.ErrChannelNotFound) || errors.Is(err, bus.ErrRoomNotFound) {
		return nil, v1.NewWireError(v1.CodeTargetNotFound, "channel %s:%s not found", args.Room, args.Channel)
	}
	if err != nil {
		return nil, err
	}

	if created {
		e.fanoutEvent(ctx, tenant, v1.EventChannelCreated, args.Room, args.Channel, sess.Principal.ClientID)
	}
	if joined {
		e.fanoutEvent(ctx, tenant, v1.EventMemberJoined, args.Room, args.Channel, sess.Principal.ClientID)
	}

	members, err := e.rooms.ChannelMembers(tenant, args.Room, args.Channel)
	if err != nil {
		return nil, err
	}
	return v1.MarshalPayload(v1.ChannelAckPayload{Room: args.Room, Channel: args.Channel, Members: len(members)})
}

func (e *Executor) cmdLeaveChannel(ctx context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	var args channelArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	tenant := sess.Principal.TenantID
	err := e.rooms.LeaveChannel(tenant, args.Room, args.Channel, sess.ID)
	switch {
	case errors.Is(err, bus.ErrNotChannelMember):
		return nil, v1.NewWireError(v1.CodeCommandValidationError, "not a member of %s:%s", args.Room, args.Channel)
	case errors.Is(err, bus.ErrRoomNotFound), errors.Is(err, bus.ErrChannelNotFound):
		return nil, v1.NewWireError(v1.CodeTargetNotFound, "channel %s:%s not found", args.Room, args.Channel)
	case err != nil:
		return nil, err
	}

	e.fanoutEvent(ctx, tenant, v1.EventMemberLeft, args.Room, args.Channel, sess.Principal.ClientID)
	return v1.MarshalPayload(v1.ChannelAckPayload{Room: args.Room, Channel: args.Channel})
}

func (e *Executor) cmdListChannels(_ context.Context, _ v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	listing := e.rooms.ListChannels(sess.Principal.TenantID)
	p := v1.ListChannelsPayload{Rooms: make([]v1.RoomSummary, 0, len(listing))}
	for _, r := range listing {
		p.Rooms = append(p.Rooms, v1.RoomSummary{Room: r.Room, Channels: r.Channels, Members: r.Members})
	}
	return v1.MarshalPayload(p)
}

func (e *Executor) cmdChannelInfo(_ context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	var args channelArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	info, err := e.rooms.ChannelInfo(sess.Principal.TenantID, args.Room, args.Channel)
	if errors.Is(err, bus.ErrRoomNotFound) || errors.Is(err, bus.ErrChannelNotFound) {
		return nil, v1.NewWireError(v1.CodeTargetNotFound, "channel %s:%s not found", args.Room, args.Channel)
	}
	if err != nil {
		return nil, err
	}

	return v1.MarshalPayload(v1.ChannelInfoPayload{
		Room:        args.Room,
		Channel:     args.Channel,
		Description: info.Description,
		Creator:     info.Creator,
		CreatedAt:   info.CreatedAt,
		Members:     info.Members,
	})
}

// historyKey resolves and authorizes the log a history command addresses.
// The synthetic @direct log is admin-only; everything else is any user in
// the tenant.
func (e *Executor) historyKey(room, channel string, sess *bus.Session) (history.Key, error) {
	if err := requireArg("room", room); err != nil {
		return history.Key{}, err
	}
	if err := requireArg("channel", channel); err != nil {
		return history.Key{}, err
	}
	if room == bus.DirectRoom && !sess.Principal.IsAdmin() {
		return history.Key{}, v1.NewWireError(v1.CodeAuthorizationDenied, "direct-message history requires the admin role")
	}
	return history.Key{Tenant: sess.Principal.TenantID, Room: room, Channel: channel}, nil
}

type historyGetArgs struct {
	Room     string `json:"room"`
	Channel  string `json:"channel"`
	SinceSeq *int64 `json:"since_seq"`
	UntilSeq *int64 `json:"until_seq"`
	Limit    int    `json:"limit"`
}

func (e *Executor) cmdHistoryGet(ctx context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	if e.history == nil {
		return nil, v1.NewWireError(v1.CodeInternalError, "history is not configured")
	}
	var args historyGetArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	key, err := e.historyKey(args.Room, args.Channel, sess)
	if err != nil {
		return nil, err
	}

	limit := e.limits.Clamp(args.Limit)
	entries, err := e.history.Get(ctx, key, history.GetInput{
		SinceSeq: args.SinceSeq,
		UntilSeq: args.UntilSeq,
		Limit:    limit,
	})
	if errors.Is(err, history.ErrUnavailable) {
		return nil, v1.NewWireError(v1.CodeInternalError, "history backend unavailable")
	}
	if err != nil {
		return nil, err
	}

	return v1.MarshalPayload(historyPayload(args.Room, args.Channel, entries, limit))
}

type historyReplayArgs struct {
	Room           string `json:"room"`
	Channel        string `json:"channel"`
	From           string `json:"from"`
	To             string `json:"to"`
	StrictSequence bool   `json:"strict_sequence"`
	Limit          int    `json:"limit"`
}

func (e *Executor) cmdHistoryReplay(ctx context.Context, env v1.Envelope, sess *bus.Session) (json.RawMessage, error) {
	if e.history == nil {
		return nil, v1.NewWireError(v1.CodeInternalError, "history is not configured")
	}
	var args historyReplayArgs
	if err := decodeArgs(env, &args); err != nil {
		return nil, err
	}
	key, err := e.historyKey(args.Room, args.Channel, sess)
	if err != nil {
		return nil, err
	}
	from, err := parseTimeArg("from", args.From)
	if err != nil {
		return nil, err
	}
	to, err := parseTimeArg("to", args.To)
	if err != nil {
		return nil, err
	}
	from, to = e.limits.ClampWindow(from, to)

	limit := e.limits.Clamp(args.Limit)
	entries, err := e.history.Replay(ctx, key, history.ReplayInput{
		From:           from,
		To:             to,
		StrictSequence: args.StrictSequence,
		Limit:          limit,
	})
	switch {
	case errors.Is(err, history.ErrSequenceGap):
		return nil, v1.NewWireError(v1.CodeSequenceGap, "sequence gap in replay window for %s:%s", args.Room, args.Channel)
	case errors.Is(err, history.ErrUnavailable):
		return nil, v1.NewWireError(v1.CodeInternalError, "history backend unavailable")
	case err != nil:
		return nil, err
	}

	return v1.MarshalPayload(historyPayload(args.Room, args.Channel, entries, limit))
}

func historyPayload(room, channel string, entries []history.Entry, limit int) v1.HistoryPayload {
	p := v1.HistoryPayload{
		Room:    room,
		Channel: channel,
		Entries: make([]v1.HistoryEntry, 0, len(entries)),
		Count:   len(entries),
		HasMore: limit > 0 && len(entries) == limit,
	}
	for _, en := range entries {
		p.Entries = append(p.Entries, v1.HistoryEntry{Seq: en.Seq, StoredAt: en.StoredAt, Envelope: en.Envelope})
	}
	return p
}

func (e *Executor) cmdHelp(_ context.Context, _ v1.Envelope, _ *bus.Session) (json.RawMessage, error) {
	p := v1.HelpPayload{Commands: make([]v1.CommandHelp, 0, len(e.ordered))}
	for _, s := range e.ordered {
		p.Commands = append(p.Commands, v1.CommandHelp{
			Name:    s.name,
			Aliases: s.aliases,
			Summary: s.summary,
			Usage:   s.usage,
			Roles:   rolesFrom(s.minRole),
		})
	}
	return v1.MarshalPayload(p)
}

// rolesFrom expands the minimum role into the role list that may run the
// command.
func rolesFrom(min identity.Role) []string {
	switch min {
	case identity.RoleAdmin:
		return []string{string(identity.RoleAdmin)}
	case identity.RoleUser:
		return []string{string(identity.RoleUser), string(identity.RoleAdmin)}
	default:
		return []string{string(identity.RoleGuest), string(identity.RoleUser), string(identity.RoleAdmin)}
	}
}
