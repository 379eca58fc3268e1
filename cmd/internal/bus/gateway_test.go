package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	"github.com/novelbytelabs/arqonbus/cmd/internal/casil"
	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// pongExecutor stands in for the command package, which cannot be imported
// from here without a cycle.
type pongExecutor struct{}

func (pongExecutor) Execute(_ context.Context, env v1.Envelope, _ *Session) v1.Envelope {
	payload, _ := v1.MarshalPayload(v1.PongPayload{Pong: true, At: time.Now().UTC()})
	return ResponseEnvelope(env, v1.StatusSuccess, payload, time.Now().UTC())
}

func startGateway(t *testing.T, mutate func(*GatewayConfig)) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	emitter := telemetry.NewEmitter(log, telemetry.LogSink{Log: log}, m, 16)
	t.Cleanup(func() { emitter.Close(time.Second) })

	inspector, err := casil.NewEngine(log, casil.DefaultConfig(), nil, emitter, m)
	if err != nil {
		t.Fatalf("casil engine: %v", err)
	}
	validator, err := NewValidator(ValidatorConfig{})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	registry := NewRegistry(DuplicateSupersede)
	rooms := NewRooms(log, true, nil)
	store := history.NewMemoryStore(0, history.DropOldest, history.Limits{})
	router := NewRouter(log, registry, rooms, store, m, RouterConfig{})

	cfg := GatewayConfig{
		OriginRequired:    false,
		DevInsecure:       true,
		HeartbeatInterval: time.Minute,
		ReadIdleTimeout:   time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	gw := NewGateway(log, identity.NewDevAuthenticator("t1"), validator, registry, rooms,
		router, inspector, pongExecutor{}, m, emitter, cfg)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, client, subprotocol string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?client_id=" + client + "&tenant_id=t1&roles=user"
	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{Subprotocols: []string{subprotocol}})
	if err != nil {
		t.Fatalf("dial %s: %v", client, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "test done") })
	return c
}

func readWire(t *testing.T, c *websocket.Conn, codec v1.Codec) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func writeWire(t *testing.T, c *websocket.Conn, codec v1.Codec, env v1.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	mt := websocket.MessageText
	if codec.Binary() {
		mt = websocket.MessageBinary
	}
	if err := c.Write(ctx, mt, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectWelcome(t *testing.T, c *websocket.Conn, codec v1.Codec, client string) {
	t.Helper()
	env := readWire(t, c, codec)
	if env.Type != v1.TypeEvent {
		t.Fatalf("first frame type = %q", env.Type)
	}
	var p v1.WelcomePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("welcome payload: %v", err)
	}
	if p.Event != v1.EventWelcome || p.ClientID != client || p.TenantID != "t1" {
		t.Fatalf("welcome = %+v", p)
	}
}

func wireMessage(from, to string) v1.Envelope {
	return v1.Envelope{
		ID:         "arq_msg_01J0000000000000000GATEWAY",
		Type:       v1.TypeMessage,
		Version:    v1.Version,
		Timestamp:  time.Now().UTC(),
		FromClient: from,
		ToClient:   to,
		Payload:    json.RawMessage(`{"content":"hi"}`),
	}
}

func TestGatewayWelcomeAndDirectMessage(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.JSONCodec{}

	alice := dialWS(t, srv, "alice", v1.SubprotocolJSON)
	bob := dialWS(t, srv, "bob", v1.SubprotocolJSON)
	expectWelcome(t, alice, codec, "alice")
	expectWelcome(t, bob, codec, "bob")

	writeWire(t, alice, codec, wireMessage("alice", "bob"))

	got := readWire(t, bob, codec)
	if got.Type != v1.TypeMessage || got.FromClient != "alice" || got.TenantID != "t1" {
		t.Fatalf("bob received %+v", got)
	}
	var p map[string]string
	if err := json.Unmarshal(got.Payload, &p); err != nil || p["content"] != "hi" {
		t.Fatalf("payload = %s err=%v", got.Payload, err)
	}
}

func TestGatewayReportsUnknownDirectTarget(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.JSONCodec{}

	alice := dialWS(t, srv, "alice", v1.SubprotocolJSON)
	expectWelcome(t, alice, codec, "alice")

	writeWire(t, alice, codec, wireMessage("alice", "nobody"))

	got := readWire(t, alice, codec)
	if got.Type != v1.TypeError || got.ErrorCode != v1.CodeTargetNotFound {
		t.Fatalf("got %q/%q", got.Type, got.ErrorCode)
	}
	if got.RequestID != "arq_msg_01J0000000000000000GATEWAY" {
		t.Fatalf("request_id = %q", got.RequestID)
	}
}

func TestGatewayRejectsMalformedFrame(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.JSONCodec{}

	alice := dialWS(t, srv, "alice", v1.SubprotocolJSON)
	expectWelcome(t, alice, codec, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readWire(t, alice, codec)
	if got.Type != v1.TypeError || got.ErrorCode != v1.CodeDecodeError {
		t.Fatalf("got %q/%q", got.Type, got.ErrorCode)
	}
}

func TestGatewayCommandResponse(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.JSONCodec{}

	alice := dialWS(t, srv, "alice", v1.SubprotocolJSON)
	expectWelcome(t, alice, codec, "alice")

	writeWire(t, alice, codec, v1.Envelope{
		ID:         "arq_cmd_01J0000000000000000GATEWAY",
		Type:       v1.TypeCommand,
		Version:    v1.Version,
		Timestamp:  time.Now().UTC(),
		FromClient: "alice",
		Command:    "ping",
	})

	got := readWire(t, alice, codec)
	if got.Type != v1.TypeResponse || got.Status != v1.StatusSuccess {
		t.Fatalf("got %q/%q (%s)", got.Type, got.Status, got.Error)
	}
	if got.RequestID != "arq_cmd_01J0000000000000000GATEWAY" {
		t.Fatalf("request_id = %q", got.RequestID)
	}
}

func TestGatewayMsgpackFamily(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.MsgpackCodec{}

	alice := dialWS(t, srv, "alice", v1.SubprotocolMsgpack)
	bob := dialWS(t, srv, "bob", v1.SubprotocolMsgpack)
	if got := alice.Subprotocol(); got != v1.SubprotocolMsgpack {
		t.Fatalf("negotiated %q", got)
	}
	expectWelcome(t, alice, codec, "alice")
	expectWelcome(t, bob, codec, "bob")

	writeWire(t, alice, codec, wireMessage("alice", "bob"))

	got := readWire(t, bob, codec)
	if got.Type != v1.TypeMessage || got.FromClient != "alice" {
		t.Fatalf("bob received %+v", got)
	}
	var p map[string]string
	if err := json.Unmarshal(got.Payload, &p); err != nil || p["content"] != "hi" {
		t.Fatalf("payload = %s err=%v", got.Payload, err)
	}
}

func TestGatewayRejectsWrongFrameType(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.MsgpackCodec{}

	alice := dialWS(t, srv, "alice", v1.SubprotocolMsgpack)
	expectWelcome(t, alice, codec, "alice")

	// A text frame on the binary family is a protocol violation.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer readCancel()
	_, _, err := alice.Read(readCtx)
	if websocket.CloseStatus(err) != websocket.StatusProtocolError {
		t.Fatalf("close status = %v (err %v)", websocket.CloseStatus(err), err)
	}
}

func TestGatewayRejectsForbiddenOrigin(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, func(cfg *GatewayConfig) {
		cfg.OriginRequired = true
		cfg.AllowedOrigins = []string{"http://localhost"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolJSON},
		HTTPHeader:   http.Header{"Origin": []string{"http://evil.example"}},
	})
	if err == nil {
		t.Fatal("dial with forbidden origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{
		"https://app.example.com",
		"http://localhost:8080",
		"app.example.com",
		"*",
		"",
	})
	// Deduped hosts in sorted order; wildcard and blank entries dropped.
	want := []string{"app.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}

func TestGatewaySupersedeClosesFirstConnection(t *testing.T) {
	t.Parallel()

	srv := startGateway(t, nil)
	codec := v1.JSONCodec{}

	first := dialWS(t, srv, "alice", v1.SubprotocolJSON)
	expectWelcome(t, first, codec, "alice")

	second := dialWS(t, srv, "alice", v1.SubprotocolJSON)
	expectWelcome(t, second, codec, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v)", websocket.CloseStatus(err), err)
	}
}
