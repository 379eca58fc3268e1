package bus

import "time"

// Security/performance limits. Gateway and validator defaults; every one of
// these can be overridden through GatewayConfig / ValidatorConfig.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB

	// Hard transport ceiling on payload bytes, distinct from the CASIL
	// soft limit.
	maxPayloadBytes = 256 << 10 // 256 KiB

	// Accepted clock skew on inbound envelope timestamps.
	clockSkewWindow = 5 * time.Minute
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	heartbeatMisses   = 3

	// Per-connection rate limits (envelopes per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Send queue defaults.
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	// A queue full for longer than this closes the session.
	saturationGrace = 5 * time.Second

	// Per-envelope processing budget.
	processingBudget = 10 * time.Second
)

// defaultIDPattern is the opaque-id grammar inbound envelope ids must match.
const defaultIDPattern = `^arq_[a-z]+_[A-Za-z0-9_-]+$`
