package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope is the canonical wire wrapper. One envelope per WebSocket frame.
//
// Payload is kept as raw JSON internally regardless of the wire family; the
// MessagePack codec normalizes structured payloads to canonical JSON bytes at
// decode time and back at encode time. Unknown top-level keys received from
// the wire are preserved in Unknown and re-emitted unchanged on encode.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	TenantID      string          `json:"tenant_id,omitempty"`
	FromClient    string          `json:"from_client,omitempty"`
	ToClient      string          `json:"to_client,omitempty"`
	Room          string          `json:"room,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Command       string          `json:"command,omitempty"`
	Args          map[string]any  `json:"args,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Status        string          `json:"status,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`

	// Unknown holds top-level wire keys this version does not define.
	Unknown map[string]json.RawMessage `json:"-"`
}

// envelopeAlias strips Envelope's methods so the std JSON machinery can be
// reused inside the custom (un)marshalers without recursing.
type envelopeAlias Envelope

// wireFields is the set of top-level keys owned by this protocol version.
var wireFields = map[string]struct{}{
	"id": {}, "type": {}, "version": {}, "timestamp": {},
	"tenant_id": {}, "from_client": {}, "to_client": {},
	"room": {}, "channel": {}, "command": {}, "args": {},
	"payload": {}, "metadata": {}, "correlation_id": {},
	"request_id": {}, "status": {}, "error": {}, "error_code": {},
}

// UnmarshalJSON decodes the known fields and captures every unknown
// top-level key so it can be forwarded unchanged.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range wireFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Unknown = raw
	}
	*e = Envelope(a)
	return nil
}

// MarshalJSON emits the known fields plus any preserved unknown keys. Known
// fields win on key collision.
func (e Envelope) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Unknown {
		if _, owned := wireFields[k]; owned {
			continue
		}
		if _, set := merged[k]; !set {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// requiredByType lists the fields each envelope type must carry beyond the
// universal id/type/version/timestamp set.
var requiredByType = map[string][]string{
	TypeMessage:   {"from_client", "payload"},
	TypeTelemetry: {"from_client", "payload"},
	TypeCommand:   {"from_client", "command"},
	TypeResponse:  {"request_id", "status"},
	TypeError:     {"error_code"},
	TypeEvent:     {"payload"},
}

// Validate performs strict structural validation: universal fields, a known
// type, and the per-type required fields. Target consistency, id grammar,
// clock skew, identity, and size limits are the transport validator's job —
// they need configuration and an authenticated principal.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}
	if strings.TrimSpace(e.Version) == "" {
		return errors.New("missing field: version")
	}
	if e.Version != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported envelope type: %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return errors.New("missing field: timestamp")
	}
	for _, f := range requiredByType[e.Type] {
		if !e.fieldSet(f) {
			return fmt.Errorf("missing field for type %s: %s", e.Type, f)
		}
	}
	return nil
}

func (e Envelope) fieldSet(name string) bool {
	switch name {
	case "from_client":
		return e.FromClient != ""
	case "payload":
		return len(e.Payload) > 0
	case "command":
		return e.Command != ""
	case "request_id":
		return e.RequestID != ""
	case "status":
		return e.Status != ""
	case "error_code":
		return e.ErrorCode != ""
	default:
		return false
	}
}

// Targets reports which primary routing targets are set on the envelope.
// Channel alone counts as one target; the room:channel shorthand inside
// Channel is split by SplitChannelTarget before routing.
func (e Envelope) Targets() (direct, room, channel bool) {
	return e.ToClient != "", e.Room != "" && e.Channel == "", e.Channel != ""
}

// SplitChannelTarget resolves the channel target, honoring the
// "room:channel" shorthand when the room field is empty. It reports false
// when no room can be derived.
func (e Envelope) SplitChannelTarget() (room, channel string, ok bool) {
	channel = e.Channel
	room = e.Room
	if room == "" {
		if i := strings.IndexByte(channel, ':'); i > 0 && i < len(channel)-1 {
			room, channel = channel[:i], channel[i+1:]
		}
	}
	if room == "" || channel == "" {
		return "", "", false
	}
	return room, channel, true
}

// EchoRequested reports whether the sender asked to receive its own
// room/channel fan-out copy via metadata.
func (e Envelope) EchoRequested() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["echo"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Critical reports whether the envelope must never be dropped from a send
// queue. Responses and errors are critical; dropping them would leave the
// client with a dangling request.
func (e Envelope) Critical() bool {
	return e.Type == TypeResponse || e.Type == TypeError
}

// Clone returns a deep copy safe to mutate independently of the original.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Args != nil {
		c.Args = make(map[string]any, len(e.Args))
		for k, v := range e.Args {
			c.Args[k] = v
		}
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Payload != nil {
		c.Payload = make(json.RawMessage, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	if e.Unknown != nil {
		c.Unknown = make(map[string]json.RawMessage, len(e.Unknown))
		for k, v := range e.Unknown {
			b := make(json.RawMessage, len(v))
			copy(b, v)
			c.Unknown[k] = b
		}
	}
	return c
}

// WithMetadata returns a copy with key set in metadata, allocating the map
// when needed. The receiver is not mutated.
func (e Envelope) WithMetadata(key string, value any) Envelope {
	c := e.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any, 1)
	}
	c.Metadata[key] = value
	return c
}
