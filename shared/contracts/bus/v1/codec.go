package v1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec translates between wire frames and envelopes for one wire family.
// The JSON family uses text frames and is self-describing; the MessagePack
// family uses binary frames for high-volume internal traffic. Both carry the
// same outer shape.
type Codec interface {
	// Subprotocol is the WebSocket subprotocol naming this family.
	Subprotocol() string
	// Binary reports whether frames of this family are binary frames.
	Binary() bool
	Decode(data []byte) (Envelope, error)
	Encode(env Envelope) ([]byte, error)
}

// CodecFor returns the codec negotiated by a WebSocket subprotocol.
func CodecFor(subprotocol string) (Codec, bool) {
	switch subprotocol {
	case SubprotocolJSON:
		return JSONCodec{}, true
	case SubprotocolMsgpack:
		return MsgpackCodec{}, true
	default:
		return nil, false
	}
}

// Subprotocols lists the supported wire families in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// JSONCodec implements the self-describing text family.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool        { return false }

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode json envelope: %w", err)
	}
	return env, nil
}

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode json envelope: %w", err)
	}
	return data, nil
}

// MsgpackCodec implements the binary-structured family. Envelopes travel as
// a MessagePack map keyed exactly like the JSON family; structured payload
// and unknown values are bridged to the canonical internal JSON form.
type MsgpackCodec struct{}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool        { return true }

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("decode msgpack envelope: %w", err)
	}
	return envelopeFromWireMap(m)
}

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	m, err := env.wireMap()
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode msgpack envelope: %w", err)
	}
	return data, nil
}

func envelopeFromWireMap(m map[string]any) (Envelope, error) {
	var env Envelope
	for key, val := range m {
		if val == nil {
			continue
		}
		var err error
		switch key {
		case "id":
			env.ID, err = wireString(key, val)
		case "type":
			env.Type, err = wireString(key, val)
		case "version":
			env.Version, err = wireString(key, val)
		case "timestamp":
			env.Timestamp, err = wireTime(key, val)
		case "tenant_id":
			env.TenantID, err = wireString(key, val)
		case "from_client":
			env.FromClient, err = wireString(key, val)
		case "to_client":
			env.ToClient, err = wireString(key, val)
		case "room":
			env.Room, err = wireString(key, val)
		case "channel":
			env.Channel, err = wireString(key, val)
		case "command":
			env.Command, err = wireString(key, val)
		case "args":
			env.Args, err = wireStringMap(key, val)
		case "payload":
			env.Payload, err = jsonValue(val)
		case "metadata":
			env.Metadata, err = wireStringMap(key, val)
		case "correlation_id":
			env.CorrelationID, err = wireString(key, val)
		case "request_id":
			env.RequestID, err = wireString(key, val)
		case "status":
			env.Status, err = wireString(key, val)
		case "error":
			env.Error, err = wireString(key, val)
		case "error_code":
			env.ErrorCode, err = wireString(key, val)
		default:
			var raw json.RawMessage
			raw, err = jsonValue(val)
			if err == nil {
				if env.Unknown == nil {
					env.Unknown = make(map[string]json.RawMessage)
				}
				env.Unknown[key] = raw
			}
		}
		if err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// wireMap flattens the envelope into the shared map shape, omitting empty
// optional fields exactly like the JSON family's omitempty tags.
func (e Envelope) wireMap() (map[string]any, error) {
	m := map[string]any{
		"id":        e.ID,
		"type":      e.Type,
		"version":   e.Version,
		"timestamp": e.Timestamp.UTC(),
	}
	putNonEmpty := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	putNonEmpty("tenant_id", e.TenantID)
	putNonEmpty("from_client", e.FromClient)
	putNonEmpty("to_client", e.ToClient)
	putNonEmpty("room", e.Room)
	putNonEmpty("channel", e.Channel)
	putNonEmpty("command", e.Command)
	putNonEmpty("correlation_id", e.CorrelationID)
	putNonEmpty("request_id", e.RequestID)
	putNonEmpty("status", e.Status)
	putNonEmpty("error", e.Error)
	putNonEmpty("error_code", e.ErrorCode)
	if len(e.Args) > 0 {
		m["args"] = e.Args
	}
	if len(e.Metadata) > 0 {
		m["metadata"] = e.Metadata
	}
	if len(e.Payload) > 0 {
		var v any
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		m["payload"] = v
	}
	for key, raw := range e.Unknown {
		if _, owned := wireFields[key]; owned {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("encode field %q: %w", key, err)
		}
		m[key] = v
	}
	return m, nil
}

func wireString(key string, val any) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", key, val)
	}
	return s, nil
}

func wireTime(key string, val any) (time.Time, error) {
	switch t := val.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, err)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field %q: expected timestamp, got %T", key, val)
	}
}

func wireStringMap(key string, val any) (map[string]any, error) {
	norm, err := normalizeValue(val)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	m, ok := norm.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %q: expected map, got %T", key, val)
	}
	return m, nil
}

// jsonValue converts a decoded MessagePack value into canonical JSON bytes.
func jsonValue(val any) (json.RawMessage, error) {
	norm, err := normalizeValue(val)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// normalizeValue rewrites map[any]any keys to strings so the value can be
// represented as JSON. MessagePack map keys are strings on this wire, but a
// foreign client may encode them loosely.
func normalizeValue(val any) (any, error) {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			norm, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string map key %v", k)
			}
			norm, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[ks] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			norm, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return string(v), nil
	default:
		return v, nil
	}
}
