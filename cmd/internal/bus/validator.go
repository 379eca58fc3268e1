package bus

import (
	"fmt"
	"regexp"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// ValidatorConfig carries the tunable validation limits.
type ValidatorConfig struct {
	// IDPattern is the opaque-id grammar inbound ids must match.
	IDPattern string
	// ClockSkew is the accepted window around server time for timestamps.
	ClockSkew time.Duration
	// MaxPayloadBytes is the hard transport ceiling on payload size.
	MaxPayloadBytes int
}

// Validator turns raw frames into validated envelopes, applying the rules in
// a fixed order so a malformed envelope always fails with the same code.
// It is stateless and safe for concurrent use.
type Validator struct {
	idRe            *regexp.Regexp
	clockSkew       time.Duration
	maxPayloadBytes int
}

// NewValidator compiles the id grammar and applies defaults for zero fields.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	pattern := cfg.IDPattern
	if pattern == "" {
		pattern = defaultIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("validator: id pattern %q: %w", pattern, err)
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = clockSkewWindow
	}
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = maxPayloadBytes
	}
	return &Validator{idRe: re, clockSkew: skew, maxPayloadBytes: limit}, nil
}

// Validate decodes one frame and applies the full rule chain. On success the
// returned envelope is normalized: tenant filled from the principal, room
// derived from a room:channel shorthand. Failures return a *v1.WireError
// whose code is the validation sub-code of the first rule violated.
func (v *Validator) Validate(raw []byte, codec v1.Codec, principal identity.Principal, now time.Time) (v1.Envelope, error) {
	// Rule 1: decode per the wire family.
	env, err := codec.Decode(raw)
	if err != nil {
		return v1.Envelope{}, v1.NewWireError(v1.CodeDecodeError, "undecodable frame: %v", err)
	}

	// Rule 2: structural shape plus the client-origin type restriction.
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, v1.NewWireError(v1.CodeSchemaError, "%v", err)
	}
	if _, ok := v1.ClientOriginTypes[env.Type]; !ok {
		return v1.Envelope{}, v1.NewWireError(v1.CodeSchemaError, "type %q is server-origin", env.Type)
	}

	// Rule 3: id grammar.
	if !v.idRe.MatchString(env.ID) {
		return v1.Envelope{}, v1.NewWireError(v1.CodeIDFormatError, "id %q does not match the id grammar", env.ID)
	}

	// Rule 4: clock skew.
	if d := env.Timestamp.Sub(now); d > v.clockSkew || d < -v.clockSkew {
		return v1.Envelope{}, v1.NewWireError(v1.CodeTimestampError,
			"timestamp outside the accepted window (±%s)", v.clockSkew)
	}

	// Rule 5: target consistency.
	if err := v.checkTargets(&env); err != nil {
		return v1.Envelope{}, err
	}

	// Rule 6: sender identity. Admins may send on behalf of other clients.
	if env.FromClient != principal.ClientID && !principal.IsAdmin() {
		return v1.Envelope{}, v1.NewWireError(v1.CodeIdentityMismatch,
			"from_client does not match the authenticated client")
	}

	// Rule 7: tenant scoping. Absent tenant_id inherits the principal's.
	if env.TenantID == "" {
		env.TenantID = principal.TenantID
	} else if env.TenantID != principal.TenantID {
		return v1.Envelope{}, v1.NewWireError(v1.CodeTenantMismatch,
			"tenant_id does not match the authenticated tenant")
	}

	// Rule 8: hard payload ceiling.
	if len(env.Payload) > v.maxPayloadBytes {
		return v1.Envelope{}, v1.NewWireError(v1.CodeOversize,
			"payload exceeds the transport limit of %d bytes", v.maxPayloadBytes)
	}

	return env, nil
}

// checkTargets enforces exactly one primary target for data-plane envelopes
// and normalizes the room:channel shorthand into the split fields. Commands
// may carry zero targets (control-plane addressing lives in args).
func (v *Validator) checkTargets(env *v1.Envelope) error {
	direct, room, channel := env.Targets()

	count := 0
	for _, set := range []bool{direct, room, channel} {
		if set {
			count++
		}
	}

	if channel {
		r, c, ok := env.SplitChannelTarget()
		if !ok {
			return v1.NewWireError(v1.CodeTargetError,
				"channel target requires a room or the room:channel form")
		}
		env.Room, env.Channel = r, c
	}

	switch env.Type {
	case v1.TypeMessage, v1.TypeTelemetry:
		if count != 1 {
			return v1.NewWireError(v1.CodeTargetError,
				"exactly one of to_client, room, channel is required, got %d", count)
		}
	case v1.TypeCommand:
		if count > 1 {
			return v1.NewWireError(v1.CodeTargetError,
				"at most one target is allowed on a command, got %d", count)
		}
	}
	return nil
}
