// Package casil is the content-aware safety and inspection layer: a
// bounded, deterministic pipeline between envelope validation and
// routing/persistence that classifies payloads and yields exactly one of
// allow, allow-with-redaction, or block.
//
// The pipeline never suspends on the hot path: no clock reads, no I/O, no
// randomness. All patterns are precompiled at config load and evaluation is
// bounded by max_inspect_bytes x max_patterns (Go's RE2 engine has no
// backtracking). Telemetry emission happens after the decision through the
// non-blocking emitter.
package casil

import (
	"fmt"
	"log/slog"

	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Engine evaluates envelopes against one immutable compiled policy.
// Collaborators are injected; the engine holds no process-wide state.
type Engine struct {
	log     *slog.Logger
	cc      *compiledConfig
	codec   PayloadCodec
	emitter *telemetry.Emitter
	metrics *metrics.Metrics
}

// NewEngine compiles the config and wires the collaborators. A nil codec
// falls back to the JSON payload codec.
func NewEngine(log *slog.Logger, cfg Config, codec PayloadCodec, emitter *telemetry.Emitter, m *metrics.Metrics) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = JSONPayloadCodec{}
	}
	cc, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	return &Engine{log: log, cc: cc, codec: codec, emitter: emitter, metrics: m}, nil
}

// Enabled reports whether inspection is active.
func (e *Engine) Enabled() bool { return e.cc.cfg.Enabled }

// Mode returns the configured mode string.
func (e *Engine) Mode() string { return e.cc.cfg.Mode }

// Inspect runs the full pipeline for one envelope. It always returns a
// usable outcome: internal failures resolve to the configured default
// decision with reason CASIL_INTERNAL_ERROR.
func (e *Engine) Inspect(env v1.Envelope) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = e.internalError(env, fmt.Errorf("panic: %v", r))
		}
	}()

	out = e.inspect(env)
	e.observe(env, out)
	return out
}

func (e *Engine) inspect(env v1.Envelope) Outcome {
	cfg := e.cc.cfg

	// Stage 1: enabled check.
	if !cfg.Enabled {
		return allow(v1.ReasonDisabled)
	}

	// Stage 2: scope match. Exclude wins; empty include means match-all.
	key := ScopeKey(env)
	if !e.cc.scope.Match(key) {
		return allow(v1.ReasonOutOfScope)
	}

	// Stage 3: classification over the bounded inspect slice.
	cls := e.cc.classify(env)

	// Stage 4: policy evaluation, strictly ordered. In monitor mode every
	// block downgrades to allow with CASIL_MONITOR_MODE; classification
	// still reaches telemetry and logs through observe.
	if cls.Flagged(FlagOversizePayload) {
		if e.cc.enforce {
			return e.finish(Outcome{
				Decision:       v1.DecisionBlock,
				Reason:         v1.ReasonPolicyOversize,
				Classification: &cls,
			})
		}
		return e.finish(Outcome{
			Decision:       v1.DecisionAllow,
			Reason:         v1.ReasonMonitorMode,
			Classification: &cls,
		})
	}
	if cls.Flagged(FlagProbableSecret) && cfg.Policies.BlockOnProbableSecret {
		if e.cc.enforce {
			return e.finish(Outcome{
				Decision:       v1.DecisionBlock,
				Reason:         v1.ReasonPolicyBlockSecret,
				Classification: &cls,
			})
		}
		return e.finish(Outcome{
			Decision:       v1.DecisionAllow,
			Reason:         v1.ReasonMonitorMode,
			Classification: &cls,
		})
	}

	if cfg.Policies.Redaction.TransportRedaction {
		r := redactor{codec: e.codec, paths: e.cc.redactPaths, patterns: e.cc.redactPatterns}
		redacted, changed, err := r.redact(env.Payload)
		if err != nil {
			return e.internalError(env, err)
		}
		if changed {
			return e.finish(Outcome{
				Decision:        v1.DecisionAllowWithRedaction,
				Reason:          v1.ReasonPolicyRedacted,
				Classification:  &cls,
				RedactedPayload: redacted,
			})
		}
	}

	return e.finish(Outcome{
		Decision:       v1.DecisionAllow,
		Reason:         v1.ReasonPolicyAllowed,
		Classification: &cls,
	})
}

// finish attaches classification metadata per the metadata.* switches.
func (e *Engine) finish(out Outcome) Outcome {
	if out.Classification == nil {
		return out
	}
	out.Metadata = map[string]any{
		"kind":       string(out.Classification.Kind),
		"risk_level": string(out.Classification.RiskLevel),
	}
	for flag, set := range out.Classification.Flags {
		if set {
			out.Metadata[flag] = true
		}
	}
	return out
}

func (e *Engine) internalError(env v1.Envelope, cause error) Outcome {
	decision := v1.DecisionAllow
	if e.cc.defaultBlock {
		decision = v1.DecisionBlock
	}
	e.log.Error("casil.internal_error",
		"envelope_id", env.ID,
		"tenant_id", env.TenantID,
		"default_decision", decision,
		"err", cause,
	)
	if e.metrics != nil {
		e.metrics.CASILErrors.Inc()
	}
	return Outcome{Decision: decision, Reason: v1.ReasonInternalError}
}

// observe records the decision in metrics, logs, and telemetry. Payload
// content only ever leaves through observability redaction, and never for
// keys under never_log_payload_for.
func (e *Engine) observe(env v1.Envelope, out Outcome) {
	if e.metrics != nil {
		e.metrics.CASILDecisions.WithLabelValues(out.Decision, out.Reason).Inc()
	}

	// Short-circuit outcomes carry no classification and stay quiet to keep
	// the disabled/out-of-scope overhead near zero.
	if out.Classification == nil {
		return
	}

	key := ScopeKey(env)
	fields := map[string]any{
		"envelope_id": env.ID,
		"scope_key":   key,
		"decision":    out.Decision,
		"reason":      out.Reason,
		"kind":        string(out.Classification.Kind),
		"risk_level":  string(out.Classification.RiskLevel),
	}
	for flag, set := range out.Classification.Flags {
		if set {
			fields[flag] = true
		}
	}

	logPayload := !e.cc.neverLogPayload.Match(key)
	if logPayload && out.Classification.RiskLevel != RiskLow {
		fields["payload_redacted"] = string(observabilityRedact(
			e.codec, env.Payload, e.cc.redactPaths, e.cc.redactPatterns, e.cc.secretPatterns))
	}

	if e.cc.cfg.Metadata.ToLogs {
		e.log.Info("casil.decision",
			"envelope_id", env.ID,
			"tenant_id", env.TenantID,
			"scope_key", key,
			"decision", out.Decision,
			"reason", out.Reason,
			"risk_level", string(out.Classification.RiskLevel),
		)
	}
	if e.cc.cfg.Metadata.ToTelemetry {
		e.emitter.Emit(telemetry.EventCASILDecision, env.TenantID, fields)
	}
}

// AttachMetadata reports whether outcome metadata should be copied onto the
// outbound envelope.
func (e *Engine) AttachMetadata() bool { return e.cc.cfg.Metadata.ToEnvelope }
