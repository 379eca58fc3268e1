// Package v1 defines the ArqonBus wire protocol v1 contract.
//
// This package is intentionally stable and dependency-light (stdlib plus the
// msgpack codec). It is shared between server and clients to keep the wire
// protocol authoritative: envelope shape, type set, command names, status
// values, and every machine-readable code a client can observe.
package v1

// Version is the protocol version string embedded into every envelope.
const Version = "1.0"

// Envelope type constants (wire-stable).
const (
	// TypeMessage is a data-plane message routed to a client, room, or channel.
	TypeMessage = "message"
	// TypeCommand is a control-plane request handled by the command executor.
	TypeCommand = "command"
	// TypeResponse is the server's reply to a command (server -> client).
	TypeResponse = "response"
	// TypeTelemetry is client-emitted telemetry routed like a message.
	TypeTelemetry = "telemetry"
	// TypeError is an error envelope (server -> client).
	TypeError = "error"
	// TypeEvent is a server-emitted lifecycle or system event.
	TypeEvent = "event"
)

// AllowedTypes is the closed set of envelope types.
var AllowedTypes = map[string]struct{}{
	TypeMessage:   {},
	TypeCommand:   {},
	TypeResponse:  {},
	TypeTelemetry: {},
	TypeError:     {},
	TypeEvent:     {},
}

// ClientOriginTypes are the types a client may submit. The remaining types
// are server-origin and rejected by validation when received inbound.
var ClientOriginTypes = map[string]struct{}{
	TypeMessage:   {},
	TypeCommand:   {},
	TypeTelemetry: {},
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Command names (wire-stable). The op.* forms are the canonical names for
// namespaced operations; the short forms are accepted aliases.
const (
	CmdStatus        = "status"
	CmdPing          = "ping"
	CmdCreateChannel = "create_channel"
	CmdDeleteChannel = "delete_channel"
	CmdJoinChannel   = "join_channel"
	CmdLeaveChannel  = "leave_channel"
	CmdListChannels  = "list_channels"
	CmdChannelInfo   = "channel_info"
	CmdHistoryGet    = "op.history.get"
	CmdHistoryReplay = "op.history.replay"
	CmdHelp          = "help"

	// Aliases accepted for the namespaced history operations.
	AliasHistoryGet    = "history.get"
	AliasHistoryReplay = "history.replay"
)

// Error codes surfaced to clients (wire-stable).
const (
	CodeValidationError        = "VALIDATION_ERROR"
	CodeAuthenticationFailed   = "AUTHENTICATION_FAILED"
	CodeAuthorizationDenied    = "AUTHORIZATION_DENIED"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeTargetNotFound         = "TARGET_NOT_FOUND"
	CodeCommandNotFound        = "COMMAND_NOT_FOUND"
	CodeCommandValidationError = "COMMAND_VALIDATION_ERROR"
	CodeInternalError          = "INTERNAL_ERROR"
	CodeDuplicateIdentity      = "DUPLICATE_IDENTITY"
	CodeHeartbeatTimeout       = "HEARTBEAT_TIMEOUT"
	// CodeTenantIsolationViolation is reserved for wire compatibility.
	// Tenant scoping is structural server-side (registry lookups and
	// history keys are tenant-prefixed), so mislabeled envelopes surface
	// CodeTenantMismatch from the validator instead.
	CodeTenantIsolationViolation = "TENANT_ISOLATION_VIOLATION"
	CodeBackpressureSaturated    = "BACKPRESSURE_SATURATED"
)

// Validation sub-codes, surfaced as error envelopes in the order the
// validator applies its rules.
const (
	CodeDecodeError      = "DECODE_ERROR"
	CodeSchemaError      = "SCHEMA_ERROR"
	CodeIDFormatError    = "ID_FORMAT_ERROR"
	CodeTimestampError   = "TIMESTAMP_ERROR"
	CodeTargetError      = "TARGET_ERROR"
	CodeIdentityMismatch = "IDENTITY_MISMATCH"
	CodeTenantMismatch   = "TENANT_MISMATCH"
	CodeOversize         = "OVERSIZE"
)

// History sub-codes.
const (
	CodeOverflow    = "OVERFLOW"
	CodeSequenceGap = "SEQUENCE_GAP"
)

// CASIL decisions (wire-stable; also used in telemetry events).
const (
	DecisionAllow              = "allow"
	DecisionAllowWithRedaction = "allow_with_redaction"
	DecisionBlock              = "block"
)

// CASIL reason codes. Block reasons double as client-visible error codes.
const (
	ReasonPolicyAllowed     = "CASIL_POLICY_ALLOWED"
	ReasonPolicyRedacted    = "CASIL_POLICY_REDACTED"
	ReasonPolicyOversize    = "CASIL_POLICY_OVERSIZE"
	ReasonPolicyBlockSecret = "CASIL_POLICY_BLOCKED_SECRET"
	ReasonInternalError     = "CASIL_INTERNAL_ERROR"
	ReasonOutOfScope        = "CASIL_OUT_OF_SCOPE"
	ReasonDisabled          = "CASIL_DISABLED"
	ReasonMonitorMode       = "CASIL_MONITOR_MODE"
)

// RedactionSentinel replaces redacted values in payloads and logs.
const RedactionSentinel = "***REDACTED***"

// WebSocket subprotocol names selecting the wire family for a connection.
const (
	SubprotocolJSON    = "arqonbus.json.v1"
	SubprotocolMsgpack = "arqonbus.msgpack.v1"
)

// EventWelcome is the payload `event` value of the envelope sent to every
// client immediately after a successful connect.
const EventWelcome = "welcome"

// Lifecycle event names carried in EventPayload.Event.
const (
	EventChannelCreated = "channel_created"
	EventChannelDeleted = "channel_deleted"
	EventMemberJoined   = "member_joined"
	EventMemberLeft     = "member_left"
)
