package bus

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Membership store errors.
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelExists    = errors.New("channel already exists")
	ErrNotChannelMember = errors.New("not a channel member")
)

// Membership names one (tenant, room, channel) a session belongs to.
type Membership struct {
	Tenant  string
	Room    string
	Channel string
}

// ChannelDetails is the snapshot channel_info reads.
type ChannelDetails struct {
	Room        string
	Channel     string
	Creator     string
	Description string
	CreatedAt   time.Time
	Members     []string // client ids, join order
}

// RoomListing is one room inside a list_channels snapshot.
type RoomListing struct {
	Room     string
	Channels []string
	Members  int
}

type channelState struct {
	creator     string
	createdAt   time.Time
	description string

	// members keeps join order; memberSet makes join/leave idempotent.
	members   []*Session
	memberSet map[string]struct{}
}

func newChannelState(creator, description string, now time.Time) *channelState {
	return &channelState{
		creator:     creator,
		createdAt:   now,
		description: description,
		memberSet:   make(map[string]struct{}),
	}
}

func (c *channelState) join(s *Session) bool {
	if _, ok := c.memberSet[s.ID]; ok {
		return false
	}
	c.memberSet[s.ID] = struct{}{}
	c.members = append(c.members, s)
	return true
}

func (c *channelState) leave(sessionID string) bool {
	if _, ok := c.memberSet[sessionID]; !ok {
		return false
	}
	delete(c.memberSet, sessionID)
	for i, m := range c.members {
		if m.ID == sessionID {
			c.members = append(c.members[:i], c.members[i+1:]...)
			break
		}
	}
	return true
}

type roomState struct {
	mu        sync.RWMutex
	createdAt time.Time
	channels  map[string]*channelState
}

// Rooms owns tenant-scoped room/channel membership. Every key is
// tenant-prefixed; cross-tenant access is impossible by construction.
//
// A room's member set is derived: the union of its channels' member sets.
// Rooms come into existence with their first channel and disappear with
// their last.
type Rooms struct {
	log *slog.Logger

	autoCreate       bool
	autoCreateOffFor map[string]struct{}

	mu      sync.RWMutex
	tenants map[string]map[string]*roomState
}

// NewRooms constructs the store. autoCreate governs whether join_channel may
// create missing channels; disabledTenants opts individual tenants out.
func NewRooms(log *slog.Logger, autoCreate bool, disabledTenants []string) *Rooms {
	if log == nil {
		log = slog.Default()
	}
	off := make(map[string]struct{}, len(disabledTenants))
	for _, t := range disabledTenants {
		off[t] = struct{}{}
	}
	return &Rooms{
		log:              log,
		autoCreate:       autoCreate,
		autoCreateOffFor: off,
		tenants:          make(map[string]map[string]*roomState),
	}
}

func (r *Rooms) autoCreateAllowed(tenant string) bool {
	if !r.autoCreate {
		return false
	}
	_, off := r.autoCreateOffFor[tenant]
	return !off
}

// room fetches an existing room under the read lock.
func (r *Rooms) room(tenant, room string) (*roomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms, ok := r.tenants[tenant]
	if !ok {
		return nil, false
	}
	rs, ok := rooms[room]
	return rs, ok
}

// ensureRoom fetches or creates a room under the write lock.
func (r *Rooms) ensureRoom(tenant, room string, now time.Time) *roomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.tenants[tenant]
	if !ok {
		rooms = make(map[string]*roomState)
		r.tenants[tenant] = rooms
	}
	rs, ok := rooms[room]
	if !ok {
		rs = &roomState{createdAt: now, channels: make(map[string]*channelState)}
		rooms[room] = rs
	}
	return rs
}

// dropRoomIfEmpty removes a room that has no channels left.
func (r *Rooms) dropRoomIfEmpty(tenant, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.tenants[tenant]
	if !ok {
		return
	}
	rs, ok := rooms[room]
	if !ok {
		return
	}
	rs.mu.RLock()
	empty := len(rs.channels) == 0
	rs.mu.RUnlock()
	if empty {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.tenants, tenant)
		}
	}
}

// CreateChannel creates a channel (and its room when missing). It fails when
// the channel already exists.
func (r *Rooms) CreateChannel(tenant, room, channel, creator, description string, now time.Time) error {
	rs := r.ensureRoom(tenant, room, now)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.channels[channel]; ok {
		return ErrChannelExists
	}
	rs.channels[channel] = newChannelState(creator, description, now)

	r.log.Info("rooms.channel.create", "tenant_id", tenant, "room", room, "channel", channel, "creator", creator)
	return nil
}

// DeleteChannel removes a channel and returns the sessions that were members
// so the caller can fan out the lifecycle event. The room disappears with
// its last channel.
func (r *Rooms) DeleteChannel(tenant, room, channel string) ([]*Session, error) {
	rs, ok := r.room(tenant, room)
	if !ok {
		return nil, ErrRoomNotFound
	}

	rs.mu.Lock()
	cs, ok := rs.channels[channel]
	if !ok {
		rs.mu.Unlock()
		return nil, ErrChannelNotFound
	}
	members := append([]*Session(nil), cs.members...)
	delete(rs.channels, channel)
	rs.mu.Unlock()

	r.dropRoomIfEmpty(tenant, room)
	r.log.Info("rooms.channel.delete", "tenant_id", tenant, "room", room, "channel", channel, "members", len(members))
	return members, nil
}

// JoinChannel adds a session to a channel, creating the channel when
// auto-creation permits. Joining twice is a no-op. It reports whether the
// channel (and possibly room) was created and whether the member is new.
func (r *Rooms) JoinChannel(tenant, room, channel string, s *Session, now time.Time) (created, joined bool, err error) {
	rs, ok := r.room(tenant, room)
	if !ok {
		if !r.autoCreateAllowed(tenant) {
			return false, false, ErrChannelNotFound
		}
		rs = r.ensureRoom(tenant, room, now)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	cs, ok := rs.channels[channel]
	if !ok {
		if !r.autoCreateAllowed(tenant) {
			return false, false, ErrChannelNotFound
		}
		cs = newChannelState(s.Principal.ClientID, "", now)
		rs.channels[channel] = cs
		created = true
	}
	joined = cs.join(s)
	if joined {
		r.log.Info("rooms.member.join", "tenant_id", tenant, "room", room, "channel", channel, "client_id", s.Principal.ClientID)
	}
	return created, joined, nil
}

// LeaveChannel removes a session from a channel. Leaving a channel the
// session is not in reports ErrNotChannelMember; the channel itself stays,
// even empty, until deleted.
func (r *Rooms) LeaveChannel(tenant, room, channel, sessionID string) error {
	rs, ok := r.room(tenant, room)
	if !ok {
		return ErrRoomNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	cs, ok := rs.channels[channel]
	if !ok {
		return ErrChannelNotFound
	}
	if !cs.leave(sessionID) {
		return ErrNotChannelMember
	}
	r.log.Info("rooms.member.leave", "tenant_id", tenant, "room", room, "channel", channel, "session_id", sessionID)
	return nil
}

// ChannelMembers snapshots a channel's members in join order.
func (r *Rooms) ChannelMembers(tenant, room, channel string) ([]*Session, error) {
	rs, ok := r.room(tenant, room)
	if !ok {
		return nil, ErrRoomNotFound
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	cs, ok := rs.channels[channel]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return append([]*Session(nil), cs.members...), nil
}

// RoomMembers snapshots the union of a room's channel members. Each session
// appears once, ordered by its earliest join across the room's channels.
func (r *Rooms) RoomMembers(tenant, room string) ([]*Session, error) {
	rs, ok := r.room(tenant, room)
	if !ok {
		return nil, ErrRoomNotFound
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	names := make([]string, 0, len(rs.channels))
	for name := range rs.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]struct{})
	var out []*Session
	for _, name := range names {
		for _, m := range rs.channels[name].members {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// ChannelInfo snapshots channel metadata and membership.
func (r *Rooms) ChannelInfo(tenant, room, channel string) (ChannelDetails, error) {
	rs, ok := r.room(tenant, room)
	if !ok {
		return ChannelDetails{}, ErrRoomNotFound
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	cs, ok := rs.channels[channel]
	if !ok {
		return ChannelDetails{}, ErrChannelNotFound
	}
	members := make([]string, 0, len(cs.members))
	for _, m := range cs.members {
		members = append(members, m.Principal.ClientID)
	}
	return ChannelDetails{
		Room:        room,
		Channel:     channel,
		Creator:     cs.creator,
		Description: cs.description,
		CreatedAt:   cs.createdAt,
		Members:     members,
	}, nil
}

// ListChannels snapshots every room of a tenant, sorted by room name.
func (r *Rooms) ListChannels(tenant string) []RoomListing {
	r.mu.RLock()
	rooms := r.tenants[tenant]
	names := make([]string, 0, len(rooms))
	states := make([]*roomState, 0, len(rooms))
	for name, rs := range rooms {
		names = append(names, name)
		states = append(states, rs)
	}
	r.mu.RUnlock()

	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	out := make([]RoomListing, 0, len(names))
	for _, i := range order {
		rs := states[i]
		rs.mu.RLock()
		channels := make([]string, 0, len(rs.channels))
		union := make(map[string]struct{})
		for name, cs := range rs.channels {
			channels = append(channels, name)
			for id := range cs.memberSet {
				union[id] = struct{}{}
			}
		}
		rs.mu.RUnlock()
		sort.Strings(channels)
		out = append(out, RoomListing{Room: names[i], Channels: channels, Members: len(union)})
	}
	return out
}

// RemoveSession purges every membership of a session across all tenants and
// returns what was removed so the caller can emit member_left events.
func (r *Rooms) RemoveSession(s *Session) []Membership {
	r.mu.RLock()
	type target struct {
		tenant string
		room   string
		state  *roomState
	}
	var targets []target
	for tenant, rooms := range r.tenants {
		for name, rs := range rooms {
			targets = append(targets, target{tenant: tenant, room: name, state: rs})
		}
	}
	r.mu.RUnlock()

	sort.Slice(targets, func(a, b int) bool {
		if targets[a].tenant != targets[b].tenant {
			return targets[a].tenant < targets[b].tenant
		}
		return targets[a].room < targets[b].room
	})

	var purged []Membership
	for _, t := range targets {
		t.state.mu.Lock()
		for name, cs := range t.state.channels {
			if cs.leave(s.ID) {
				purged = append(purged, Membership{Tenant: t.tenant, Room: t.room, Channel: name})
			}
		}
		t.state.mu.Unlock()
	}

	if len(purged) > 0 {
		r.log.Info("rooms.session.purge", "session_id", s.ID, "memberships", len(purged))
	}
	return purged
}

// Counts returns the live room and channel totals across tenants.
func (r *Rooms) Counts() (rooms, channels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, byName := range r.tenants {
		rooms += len(byName)
		for _, rs := range byName {
			rs.mu.RLock()
			channels += len(rs.channels)
			rs.mu.RUnlock()
		}
	}
	return rooms, channels
}
