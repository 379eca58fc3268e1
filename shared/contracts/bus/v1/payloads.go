package v1

import (
	"encoding/json"
	"time"
)

// Typed payload shapes for server-emitted envelopes. Data-plane payloads
// remain opaque; these structs cover the envelopes the server itself builds
// so clients can rely on their layout.

// WelcomePayload is carried by the welcome event sent after connect.
type WelcomePayload struct {
	Event             string   `json:"event"`
	ClientID          string   `json:"client_id"`
	TenantID          string   `json:"tenant_id"`
	SessionID         string   `json:"session_id"`
	Roles             []string `json:"roles"`
	Protocol          string   `json:"protocol"`
	HeartbeatInterval string   `json:"heartbeat_interval"`
}

// EventPayload is carried by lifecycle events fanned out to room members.
type EventPayload struct {
	Event    string    `json:"event"`
	Room     string    `json:"room"`
	Channel  string    `json:"channel,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	At       time.Time `json:"at"`
}

// PongPayload answers the ping command.
type PongPayload struct {
	Pong bool      `json:"pong"`
	At   time.Time `json:"at"`
}

// StatusPayload answers the status command.
type StatusPayload struct {
	Version        string `json:"version"`
	Protocol       string `json:"protocol"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Sessions       int    `json:"sessions"`
	Rooms          int    `json:"rooms"`
	Channels       int    `json:"channels"`
	HistoryBackend string `json:"history_backend"`
	HistoryHealthy bool   `json:"history_healthy"`
	CASILEnabled   bool   `json:"casil_enabled"`
	CASILMode      string `json:"casil_mode,omitempty"`
}

// ChannelAckPayload answers the channel mutation commands.
type ChannelAckPayload struct {
	Room    string `json:"room"`
	Channel string `json:"channel"`
	Members int    `json:"members"`
}

// ChannelInfoPayload answers channel_info.
type ChannelInfoPayload struct {
	Room        string    `json:"room"`
	Channel     string    `json:"channel"`
	Description string    `json:"description,omitempty"`
	Creator     string    `json:"creator,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Members     []string  `json:"members"`
}

// RoomSummary is one room inside the list_channels response.
type RoomSummary struct {
	Room     string   `json:"room"`
	Channels []string `json:"channels"`
	Members  int      `json:"members"`
}

// ListChannelsPayload answers list_channels.
type ListChannelsPayload struct {
	Rooms []RoomSummary `json:"rooms"`
}

// HistoryEntry is one replayed or fetched history record.
type HistoryEntry struct {
	Seq      int64     `json:"seq"`
	StoredAt time.Time `json:"stored_at"`
	Envelope Envelope  `json:"envelope"`
}

// HistoryPayload answers op.history.get and op.history.replay.
type HistoryPayload struct {
	Room    string         `json:"room"`
	Channel string         `json:"channel"`
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
	HasMore bool           `json:"has_more,omitempty"`
}

// CommandHelp describes one command inside the help response.
type CommandHelp struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Summary string   `json:"summary"`
	Usage   string   `json:"usage"`
	Roles   []string `json:"roles"`
}

// HelpPayload answers the help command.
type HelpPayload struct {
	Commands []CommandHelp `json:"commands"`
}

// MarshalPayload renders a typed payload for embedding into an envelope.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
