package casil

import (
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// kindFor derives the traffic class from the envelope type.
func kindFor(envType string) Kind {
	switch envType {
	case v1.TypeCommand:
		return KindControl
	case v1.TypeTelemetry:
		return KindTelemetry
	case v1.TypeMessage:
		return KindData
	default:
		return KindSystem
	}
}

// classify inspects at most maxInspectBytes of the payload with the
// precompiled pattern set. It is pure: no clock, no I/O, no allocation
// beyond the flags map.
func (cc *compiledConfig) classify(env v1.Envelope) Classification {
	c := Classification{
		Kind:      kindFor(env.Type),
		RiskLevel: RiskLow,
		Flags:     make(map[string]bool, 2),
	}

	payload := []byte(env.Payload)
	if cc.cfg.Policies.MaxPayloadBytes > 0 && len(payload) > cc.cfg.Policies.MaxPayloadBytes {
		c.Flags[FlagOversizePayload] = true
		c.RiskLevel = RiskMedium
	}

	inspect := payload
	if len(inspect) > cc.cfg.Limits.MaxInspectBytes {
		inspect = inspect[:cc.cfg.Limits.MaxInspectBytes]
	}

	for _, re := range cc.secretPatterns {
		if re.Match(inspect) {
			c.Flags[FlagProbableSecret] = true
			c.RiskLevel = RiskHigh
			break
		}
	}

	return c
}
