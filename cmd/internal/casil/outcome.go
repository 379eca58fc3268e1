package casil

import (
	"encoding/json"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Kind is the coarse traffic class derived from the envelope type.
type Kind string

const (
	KindControl   Kind = "control"
	KindTelemetry Kind = "telemetry"
	KindData      Kind = "data"
	KindSystem    Kind = "system"
)

// RiskLevel grades the classified payload.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Recognized classification flags.
const (
	FlagProbableSecret  = "contains_probable_secret"
	FlagOversizePayload = "oversize_payload"
)

// Classification is the (kind, risk, flags) triple attached to an inspected
// envelope.
type Classification struct {
	Kind      Kind
	RiskLevel RiskLevel
	Flags     map[string]bool
}

// Flagged reports whether the named flag is set.
func (c Classification) Flagged(name string) bool {
	return c.Flags[name]
}

// Outcome is the single decision the pipeline emits per envelope. Decision
// and Reason use the wire-stable constants from the contract package.
type Outcome struct {
	Decision       string
	Reason         string
	Classification *Classification

	// RedactedPayload is set when Decision is allow_with_redaction: the
	// transport-safe payload to route and (optionally) persist.
	RedactedPayload json.RawMessage

	// Metadata carries inspection details for telemetry/logs and, when
	// configured, for attachment to the outbound envelope.
	Metadata map[string]any
}

// Blocked reports whether the envelope must not be routed or persisted.
func (o Outcome) Blocked() bool { return o.Decision == v1.DecisionBlock }

// Redacted reports whether the transport payload was rewritten.
func (o Outcome) Redacted() bool { return o.Decision == v1.DecisionAllowWithRedaction }

func allow(reason string) Outcome {
	return Outcome{Decision: v1.DecisionAllow, Reason: reason}
}
