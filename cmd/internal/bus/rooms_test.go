package bus

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testRooms(t *testing.T) *Rooms {
	t.Helper()
	return NewRooms(slog.New(slog.NewTextHandler(io.Discard, nil)), true, nil)
}

func TestJoinAutoCreatesChannelAndRoom(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	s := testSession(t, "alice", minSendQueueSize)
	now := time.Now().UTC()

	created, joined, err := r.JoinChannel("t1", "lobby", "general", s, now)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !created || !joined {
		t.Fatalf("created=%v joined=%v", created, joined)
	}

	rooms, channels := r.Counts()
	if rooms != 1 || channels != 1 {
		t.Fatalf("counts = %d rooms %d channels", rooms, channels)
	}

	// Idempotent rejoin.
	created, joined, err = r.JoinChannel("t1", "lobby", "general", s, now)
	if err != nil || created || joined {
		t.Fatalf("rejoin: created=%v joined=%v err=%v", created, joined, err)
	}
}

func TestJoinRespectsAutoCreateOff(t *testing.T) {
	t.Parallel()

	r := NewRooms(slog.New(slog.NewTextHandler(io.Discard, nil)), true, []string{"locked"})
	s := testSession(t, "alice", minSendQueueSize)
	now := time.Now().UTC()

	if _, _, err := r.JoinChannel("locked", "lobby", "general", s, now); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("join with auto-create off: %v", err)
	}

	// Explicit creation still works, and joining then succeeds.
	if err := r.CreateChannel("locked", "lobby", "general", "alice", "", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, joined, err := r.JoinChannel("locked", "lobby", "general", s, now); err != nil || !joined {
		t.Fatalf("join existing: joined=%v err=%v", joined, err)
	}
}

func TestCreateChannelRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	if err := r.CreateChannel("t1", "lobby", "general", "alice", "the lobby", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.CreateChannel("t1", "lobby", "general", "bob", "", now); !errors.Is(err, ErrChannelExists) {
		t.Fatalf("duplicate create: %v", err)
	}
}

func TestChannelMembersKeepJoinOrder(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	order := []string{"carol", "alice", "bob"}
	for _, name := range order {
		if _, _, err := r.JoinChannel("t1", "lobby", "general", testSession(t, name, minSendQueueSize), now); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
	}

	members, err := r.ChannelMembers("t1", "lobby", "general")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != len(order) {
		t.Fatalf("member count = %d", len(members))
	}
	for i, m := range members {
		if m.Principal.ClientID != order[i] {
			t.Fatalf("position %d = %s, want %s", i, m.Principal.ClientID, order[i])
		}
	}
}

func TestRoomMembersAreDerivedUnion(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	alice := testSession(t, "alice", minSendQueueSize)
	bob := testSession(t, "bob", minSendQueueSize)

	// alice is in both channels; the union must list her once.
	mustJoin(t, r, "t1", "lobby", "general", alice, now)
	mustJoin(t, r, "t1", "lobby", "random", alice, now)
	mustJoin(t, r, "t1", "lobby", "random", bob, now)

	members, err := r.RoomMembers("t1", "lobby")
	if err != nil {
		t.Fatalf("room members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("union size = %d", len(members))
	}
}

func mustJoin(t *testing.T, r *Rooms, tenant, room, channel string, s *Session, now time.Time) {
	t.Helper()
	if _, _, err := r.JoinChannel(tenant, room, channel, s, now); err != nil {
		t.Fatalf("join %s/%s/%s: %v", tenant, room, channel, err)
	}
}

func TestLeaveChannel(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	s := testSession(t, "alice", minSendQueueSize)
	mustJoin(t, r, "t1", "lobby", "general", s, now)

	if err := r.LeaveChannel("t1", "lobby", "general", s.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := r.LeaveChannel("t1", "lobby", "general", s.ID); !errors.Is(err, ErrNotChannelMember) {
		t.Fatalf("double leave: %v", err)
	}

	// The empty channel survives until deleted.
	if _, err := r.ChannelInfo("t1", "lobby", "general"); err != nil {
		t.Fatalf("empty channel vanished: %v", err)
	}
}

func TestDeleteChannelDropsEmptyRoom(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	s := testSession(t, "alice", minSendQueueSize)
	mustJoin(t, r, "t1", "lobby", "general", s, now)

	members, err := r.DeleteChannel("t1", "lobby", "general")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(members) != 1 || members[0] != s {
		t.Fatalf("deleted members = %v", members)
	}

	rooms, channels := r.Counts()
	if rooms != 0 || channels != 0 {
		t.Fatalf("room survived its last channel: %d/%d", rooms, channels)
	}
	if _, err := r.RoomMembers("t1", "lobby"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("room still resolvable: %v", err)
	}
}

func TestRemoveSessionPurgesEverything(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	s := testSession(t, "alice", minSendQueueSize)
	other := testSession(t, "bob", minSendQueueSize)

	mustJoin(t, r, "t1", "lobby", "general", s, now)
	mustJoin(t, r, "t1", "lobby", "random", s, now)
	mustJoin(t, r, "t1", "ops", "alerts", s, now)
	mustJoin(t, r, "t1", "lobby", "general", other, now)

	purged := r.RemoveSession(s)
	if len(purged) != 3 {
		t.Fatalf("purged %d memberships, want 3", len(purged))
	}

	members, err := r.ChannelMembers("t1", "lobby", "general")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != other {
		t.Fatal("purge touched another session's membership")
	}

	if again := r.RemoveSession(s); len(again) != 0 {
		t.Fatalf("second purge removed %d", len(again))
	}
}

func TestListChannelsAndInfo(t *testing.T) {
	t.Parallel()

	r := testRooms(t)
	now := time.Now().UTC()
	mustJoin(t, r, "t1", "ops", "alerts", testSession(t, "alice", minSendQueueSize), now)
	mustJoin(t, r, "t1", "lobby", "general", testSession(t, "bob", minSendQueueSize), now)
	mustJoin(t, r, "t2", "other", "general", testSession(t, "eve", minSendQueueSize), now)

	listing := r.ListChannels("t1")
	if len(listing) != 2 {
		t.Fatalf("listing rooms = %d", len(listing))
	}
	// Sorted by room name.
	if listing[0].Room != "lobby" || listing[1].Room != "ops" {
		t.Fatalf("listing order: %+v", listing)
	}
	if listing[0].Members != 1 || len(listing[0].Channels) != 1 {
		t.Fatalf("lobby summary: %+v", listing[0])
	}

	info, err := r.ChannelInfo("t1", "ops", "alerts")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Creator != "alice" || len(info.Members) != 1 || info.Members[0] != "alice" {
		t.Fatalf("info = %+v", info)
	}

	// Tenant isolation: t2's listing never shows t1 rooms.
	if got := r.ListChannels("t2"); len(got) != 1 || got[0].Room != "other" {
		t.Fatalf("t2 listing = %+v", got)
	}
}
