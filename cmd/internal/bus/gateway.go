package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	"github.com/novelbytelabs/arqonbus/cmd/identity/ids"
	"github.com/novelbytelabs/arqonbus/cmd/internal/casil"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

const wsCloseGrace = 1 * time.Second

// CommandExecutor handles control-plane envelopes. The implementation lives
// in the command package; the gateway only needs the response.
type CommandExecutor interface {
	Execute(ctx context.Context, env v1.Envelope, sess *Session) v1.Envelope
}

// GatewayConfig carries every connection-level tunable.
type GatewayConfig struct {
	// Origin policy. Origin is required by default and only localhost is
	// allowed, secure-by-default for dev.
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	MaxFrameBytes int64

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	SendQueueSize   int
	SaturationGrace time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatMisses   int

	RateEvents int
	RateWindow time.Duration

	// ProcessingBudget bounds the handling of one inbound envelope.
	ProcessingBudget time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		MaxFrameBytes:     maxFrameBytes,
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     defaultSendQueueSize,
		SaturationGrace:   saturationGrace,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		HeartbeatMisses:   heartbeatMisses,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		ProcessingBudget:  processingBudget,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SaturationGrace <= 0 {
		c.SaturationGrace = def.SaturationGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = def.HeartbeatMisses
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.ProcessingBudget <= 0 {
		c.ProcessingBudget = def.ProcessingBudget
	}
	return c
}

// Gateway is the WebSocket entrypoint for the bus.
//
// It enforces origin policy, authenticates, negotiates the wire family by
// subprotocol, and runs the per-connection reader/writer/heartbeat loop.
type Gateway struct {
	log       *slog.Logger
	auth      identity.Authenticator
	validator *Validator
	registry  *Registry
	rooms     *Rooms
	router    *Router
	inspector *casil.Engine
	executor  CommandExecutor
	metrics   *metrics.Metrics
	emitter   *telemetry.Emitter
	cfg       GatewayConfig

	// Derived for websocket.Accept origin checks. Accept authorizes
	// same-host origins by default; cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewGateway wires the gateway from its collaborators.
func NewGateway(
	log *slog.Logger,
	auth identity.Authenticator,
	validator *Validator,
	registry *Registry,
	rooms *Rooms,
	router *Router,
	inspector *casil.Engine,
	executor CommandExecutor,
	m *metrics.Metrics,
	emitter *telemetry.Emitter,
	cfg GatewayConfig,
) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		auth:           auth,
		validator:      validator,
		registry:       registry,
		rooms:          rooms,
		router:         router,
		inspector:      inspector,
		executor:       executor,
		metrics:        m,
		emitter:        emitter,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the bus
// loop until the session ends.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := g.auth.Authenticate(r.Context(), credentialsFromRequest(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, v1.CodeAuthenticationFailed, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       v1.Subprotocols(),
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	codec, ok := v1.CodecFor(conn.Subprotocol())
	if !ok {
		g.log.Info("ws.reject.subprotocol", "got", conn.Subprotocol())
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)
	g.runSession(r.Context(), conn, codec, principal)
}

func (g *Gateway) runSession(parent context.Context, conn *websocket.Conn, codec v1.Codec, principal identity.Principal) {
	now := time.Now().UTC()
	sessionID, err := ids.NewULID(now)
	if err != nil {
		sessionID = ids.NewRandomHex(13)
	}
	sess := NewSession(sessionID, principal, g.cfg.SendQueueSize, now)

	superseded, err := g.registry.Register(sess)
	if err != nil {
		g.log.Info("ws.reject.duplicate", "client_id", principal.ClientID, "tenant_id", principal.TenantID)
		_ = conn.Close(websocket.StatusPolicyViolation, v1.CodeDuplicateIdentity)
		return
	}
	if superseded != nil {
		g.log.Info("ws.supersede", "client_id", principal.ClientID, "old_session", superseded.ID, "new_session", sess.ID)
	}

	g.metrics.SessionsActive.Inc()
	g.metrics.SessionsTotal.Inc()
	g.emitter.Emit(telemetry.EventSessionOpened, principal.TenantID, map[string]any{
		"session_id": sess.ID,
		"client_id":  principal.ClientID,
		"protocol":   codec.Subprotocol(),
	})
	g.log.Info("ws.session.open",
		"session_id", sess.ID,
		"client_id", principal.ClientID,
		"tenant_id", principal.TenantID,
		"protocol", codec.Subprotocol(),
	)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent: the first coded reason wins everywhere
	// (session close reason, metrics label, websocket close frame).
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close(reason)
			reason = sess.CloseReason()

			purged := g.rooms.RemoveSession(sess)
			g.registry.Unregister(sess)
			g.metrics.SessionsActive.Dec()
			g.metrics.SessionsClosed.WithLabelValues(reason).Inc()

			g.emitLeaveEvents(ctx, sess, purged)
			g.emitter.Emit(telemetry.EventSessionClosed, principal.TenantID, map[string]any{
				"session_id": sess.ID,
				"client_id":  principal.ClientID,
				"reason":     reason,
			})
			g.log.Info("ws.session.close", "session_id", sess.ID, "reason", reason)

			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Welcome must be the first frame the client sees.
	g.router.Deliver(sess, WelcomeEnvelope(sess, codec.Subprotocol(), g.cfg.HeartbeatInterval, now))

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, codec, sess, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, sess, shutdown)
	}()

	g.readLoop(ctx, conn, codec, sess, rl, shutdown)

	shutdown(websocket.StatusNormalClosure, "closed")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// writeLoop drains the send queue onto the socket and enforces the
// saturation grace: a queue that stays full longer than the grace means the
// peer cannot keep up.
func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, codec v1.Codec, sess *Session, shutdown func(websocket.StatusCode, string)) {
	for {
		env, ok := sess.Next(ctx)
		if !ok {
			// Session or context ended; surface the session's own reason
			// (supersede, heartbeat, backpressure) on the close frame.
			reason := sess.CloseReason()
			if reason == "" {
				reason = "closed"
			}
			shutdown(closeStatusFor(reason), reason)
			return
		}

		if err := g.writeEnvelope(ctx, conn, codec, env); err != nil {
			g.log.Info("ws.write.fail", "session_id", sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
			shutdown(websocket.StatusAbnormalClosure, "write failed")
			return
		}

		if since := sess.SaturatedSince(); !since.IsZero() && time.Since(since) > g.cfg.SaturationGrace {
			g.log.Warn("ws.backpressure.saturated", "session_id", sess.ID, "since", since)
			shutdown(websocket.StatusPolicyViolation, v1.CodeBackpressureSaturated)
			return
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sess *Session, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", sess.ID, "failures", failures, "err", err)
				if failures >= g.cfg.HeartbeatMisses {
					shutdown(websocket.StatusGoingAway, v1.CodeHeartbeatTimeout)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, codec v1.Codec, sess *Session, rl *RateLimiter, shutdown func(websocket.StatusCode, string)) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		raw, err := g.readFrame(readCtx, conn, codec)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrFrameType:
				shutdown(websocket.StatusProtocolError, "wrong frame type for subprotocol")
			default:
				g.log.Info("ws.read.fail", "session_id", sess.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		now := time.Now().UTC()
		sess.Touch(now)

		if !rl.Allow(now) {
			g.sendError(sess, "", v1.CodeRateLimitExceeded, "too many envelopes", now)
			continue
		}

		g.handleEnvelope(ctx, sess, raw, codec, now)
	}
}

// handleEnvelope runs one inbound frame through validate -> CASIL -> route
// or execute under the processing budget.
func (g *Gateway) handleEnvelope(parent context.Context, sess *Session, raw []byte, codec v1.Codec, now time.Time) {
	ctx, cancel := context.WithTimeout(parent, g.cfg.ProcessingBudget)
	defer cancel()

	// Programmer errors must cost one envelope, not the whole session.
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("ws.handle.panic", "session_id", sess.ID, "panic", r)
			g.sendError(sess, "", v1.CodeInternalError, "internal error", now)
		}
	}()

	env, err := g.validator.Validate(raw, codec, sess.Principal, now)
	if err != nil {
		code := v1.CodeOf(err)
		g.metrics.ValidationErrors.WithLabelValues(code).Inc()
		g.sendError(sess, "", code, v1.MessageOf(err), now)
		return
	}
	g.metrics.EnvelopesReceived.WithLabelValues(env.Type).Inc()

	outcome := g.inspector.Inspect(env)
	if outcome.Blocked() {
		g.sendError(sess, env.ID, outcome.Reason, "blocked by policy", now)
		return
	}

	transport := env
	if outcome.Redacted() {
		transport = transport.Clone()
		transport.Payload = outcome.RedactedPayload
	}
	if g.inspector.AttachMetadata() && outcome.Metadata != nil {
		transport = transport.WithMetadata("casil", outcome.Metadata)
	}

	if env.Type == v1.TypeCommand {
		resp := g.executor.Execute(ctx, transport, sess)
		g.router.Deliver(sess, resp)
		return
	}

	if err := g.routeWithBudget(ctx, env, transport, sess); err != nil {
		g.sendError(sess, env.ID, v1.CodeOf(err), v1.MessageOf(err), now)
	}
}

func (g *Gateway) routeWithBudget(ctx context.Context, original, transport v1.Envelope, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return v1.NewWireError(v1.CodeInternalError, "processing budget exceeded")
	}
	return g.router.Route(ctx, original, transport, sess)
}

// sendError delivers a coded error envelope. Errors are critical: they are
// never dropped, and queue overflow closes the session instead.
func (g *Gateway) sendError(sess *Session, requestID, code, message string, now time.Time) {
	g.router.Deliver(sess, ErrorEnvelope(sess.Principal.TenantID, requestID, code, message, now))
}

// emitLeaveEvents fans out member_left for every membership purged on close.
func (g *Gateway) emitLeaveEvents(ctx context.Context, sess *Session, purged []Membership) {
	now := time.Now().UTC()
	for _, m := range purged {
		ev := LifecycleEventEnvelope(m.Tenant, telemetry.EventMemberLeft, m.Room, m.Channel, sess.Principal.ClientID, now)
		ev.Room = m.Room
		if err := g.router.Route(ctx, ev, ev, nil); err != nil {
			// The room may already be gone; nothing to notify.
			continue
		}
		g.emitter.Emit(telemetry.EventMemberLeft, m.Tenant, map[string]any{
			"room":      m.Room,
			"channel":   m.Channel,
			"client_id": sess.Principal.ClientID,
			"cause":     "session_closed",
		})
	}
}

// ---- frame IO ----

func (g *Gateway) readFrame(ctx context.Context, conn *websocket.Conn, codec v1.Codec) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	want := websocket.MessageText
	if codec.Binary() {
		want = websocket.MessageBinary
	}
	if mt != want {
		return nil, errWrongFrameType
	}
	return data, nil
}

func (g *Gateway) writeEnvelope(parent context.Context, conn *websocket.Conn, codec v1.Codec, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()

	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	mt := websocket.MessageText
	if codec.Binary() {
		mt = websocket.MessageBinary
	}
	return conn.Write(ctx, mt, data)
}

// ---- read error classification ----

var errWrongFrameType = errors.New("frame type does not match the negotiated subprotocol")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrFrameType
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if errors.Is(err, errWrongFrameType) {
		return readErrFrameType
	}
	return readErrUnknown
}

// closeStatusFor maps a session close reason to a websocket status code.
func closeStatusFor(reason string) websocket.StatusCode {
	switch reason {
	case v1.CodeDuplicateIdentity, v1.CodeBackpressureSaturated:
		return websocket.StatusPolicyViolation
	case v1.CodeHeartbeatTimeout:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}

// ---- credentials ----

// credentialsFromRequest extracts the bearer credential from the
// Authorization header or the access_token query parameter, plus the dev
// identity hints.
func credentialsFromRequest(r *http.Request) identity.Credentials {
	q := r.URL.Query()

	token := strings.TrimSpace(q.Get("access_token"))
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			token = strings.TrimSpace(h[7:])
		}
	}

	var roles []string
	if raw := strings.TrimSpace(q.Get("roles")); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if s := strings.TrimSpace(p); s != "" {
				roles = append(roles, s)
			}
		}
	}

	return identity.Credentials{
		Token:      token,
		ClientID:   strings.TrimSpace(q.Get("client_id")),
		TenantID:   strings.TrimSpace(q.Get("tenant_id")),
		RolesHint:  roles,
		RemoteAddr: r.RemoteAddr,
	}
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns extracts the host patterns websocket.Accept needs to
// authorize cross-origin requests, kept in agreement with enforceOrigin.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
