package bus

import (
	"encoding/json"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/identity/ids"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Server-minted envelope id tags.
const (
	tagResponse = "rsp"
	tagEvent    = "evt"
)

// newID mints a tagged server id. The random-hex fallback keeps the id
// grammar intact in the vanishingly rare case ULID generation fails.
func newID(tag string, now time.Time) string {
	id, err := ids.NewTaggedID(tag, now)
	if err != nil {
		return "arq_" + tag + "_" + ids.NewRandomHex(13)
	}
	return id
}

// ErrorEnvelope builds a type=error envelope answering the envelope (or
// protocol violation) identified by requestID, which may be empty.
func ErrorEnvelope(tenantID, requestID, code, message string, now time.Time) v1.Envelope {
	return v1.Envelope{
		ID:        newID(tagEvent, now),
		Type:      v1.TypeError,
		Version:   v1.Version,
		Timestamp: now,
		TenantID:  tenantID,
		RequestID: requestID,
		Error:     message,
		ErrorCode: code,
	}
}

// ResponseEnvelope builds a type=response envelope for a command, carrying
// the originating envelope id as request_id.
func ResponseEnvelope(request v1.Envelope, status string, payload json.RawMessage, now time.Time) v1.Envelope {
	return v1.Envelope{
		ID:            newID(tagResponse, now),
		Type:          v1.TypeResponse,
		Version:       v1.Version,
		Timestamp:     now,
		TenantID:      request.TenantID,
		ToClient:      request.FromClient,
		RequestID:     request.ID,
		CorrelationID: request.CorrelationID,
		Status:        status,
		Payload:       payload,
	}
}

// ErrorResponseEnvelope builds a status=error response for a command.
func ErrorResponseEnvelope(request v1.Envelope, code, message string, now time.Time) v1.Envelope {
	env := ResponseEnvelope(request, v1.StatusError, nil, now)
	env.Error = message
	env.ErrorCode = code
	return env
}

// EventEnvelope builds a type=event envelope for lifecycle fan-out.
func EventEnvelope(tenantID string, payload json.RawMessage, now time.Time) v1.Envelope {
	return v1.Envelope{
		ID:        newID(tagEvent, now),
		Type:      v1.TypeEvent,
		Version:   v1.Version,
		Timestamp: now,
		TenantID:  tenantID,
		Payload:   payload,
	}
}

// WelcomeEnvelope builds the event sent to a client right after connect.
func WelcomeEnvelope(s *Session, protocol string, heartbeat time.Duration, now time.Time) v1.Envelope {
	payload, _ := v1.MarshalPayload(v1.WelcomePayload{
		Event:             v1.EventWelcome,
		ClientID:          s.Principal.ClientID,
		TenantID:          s.Principal.TenantID,
		SessionID:         s.ID,
		Roles:             s.Principal.RoleStrings(),
		Protocol:          protocol,
		HeartbeatInterval: heartbeat.String(),
	})
	return EventEnvelope(s.Principal.TenantID, payload, now)
}

// LifecycleEventEnvelope builds a member/channel lifecycle event.
func LifecycleEventEnvelope(tenantID, event, room, channel, clientID string, now time.Time) v1.Envelope {
	payload, _ := v1.MarshalPayload(v1.EventPayload{
		Event:    event,
		Room:     room,
		Channel:  channel,
		ClientID: clientID,
		At:       now,
	})
	return EventEnvelope(tenantID, payload, now)
}
