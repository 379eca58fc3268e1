// Package main provides a CI-friendly WebSocket smoke test for ArqonBus.
//
// It validates:
//   - handshake + subprotocol selection (arqonbus.json.v1)
//   - welcome event on connect
//   - join_channel command -> success response + member_joined fan-out
//   - channel message fan-out to another client (no echo to sender)
//   - op.history.get returns the sent message with seq >= 1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name     string
	clientID string
	conn     *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tenant  = flag.String("tenant", "default", "Tenant id hint (dev auth mode)")
		room    = flag.String("room", "smoke", "Room to join")
		channel = flag.String("channel", "general", "Channel to join")
		text    = flag.String("text", "hello arqonbus", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tenant, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tenant, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.clientID, b.clientID, *origin)
	}

	mustJoin(root, a, *room, *channel, *timeout)
	mustJoin(root, b, *room, *channel, *timeout)
	// A sees B's member_joined fan-out.
	a.mustReadUntilEvent(root, v1.EventMemberJoined, *timeout)

	msgID := fmt.Sprintf("arq_msg_smoke%d", time.Now().UnixNano())
	mustSendChannelMessage(root, a, msgID, *room, *channel, *text, *timeout)

	got := b.mustReadUntilType(root, v1.TypeMessage, *timeout, map[string]struct{}{v1.TypeEvent: {}})
	assertMessage(got, a.clientID, *text)

	seq := mustHistoryContains(root, b, *room, *channel, msgID, *timeout)
	if *verbose {
		fmt.Printf("history: message %s at seq=%d\n", msgID, seq)
	}

	// No echo: the sender must not receive its own fan-out copy.
	mustAssertNoType(root, a, v1.TypeMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s %s:%s seq=%d\n", a.clientID, b.clientID, *room, *channel, seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, tenant string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	clientID := fmt.Sprintf("arq_client_smoke_%s_%d", strings.ToLower(name), time.Now().UnixNano())

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	u := wsURL + "?client_id=" + url.QueryEscape(clientID) +
		"&tenant_id=" + url.QueryEscape(tenant) + "&roles=user"

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolJSON},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.SubprotocolJSON)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		clientID: clientID,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	welcome := c.mustReadUntilType(parent, v1.TypeEvent, stepTimeout, nil)
	var p v1.WelcomePayload
	if err := json.Unmarshal(welcome.Payload, &p); err != nil {
		fatalf("unmarshal welcome payload (%s): %v", name, err)
	}
	if p.Event != v1.EventWelcome {
		fatalf("first event is %q, not welcome (%s)", p.Event, name)
	}
	if p.ClientID != clientID {
		fatalf("welcome client_id mismatch (%s): got=%q want=%q", name, p.ClientID, clientID)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("welcome missing session_id (%s)", name)
	}

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unexpected message type: %v", mt):
				default:
				}
				return
			}

			env, err := v1.JSONCodec{}.Decode(data)
			if err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) send(parent context.Context, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := v1.JSONCodec{}.Encode(env)
	if err != nil {
		fatalf("encode envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJoin(parent context.Context, c *smokeClient, room, channel string, stepTimeout time.Duration) {
	c.send(parent, v1.Envelope{
		ID:         fmt.Sprintf("arq_cmd_join%d", time.Now().UnixNano()),
		Type:       v1.TypeCommand,
		Version:    v1.Version,
		Timestamp:  time.Now().UTC(),
		FromClient: c.clientID,
		Command:    v1.CmdJoinChannel,
		Args:       map[string]any{"room": room, "channel": channel},
	}, stepTimeout)

	// Own member_joined fan-out may arrive before the response.
	skip := map[string]struct{}{v1.TypeEvent: {}}
	resp := c.mustReadUntilType(parent, v1.TypeResponse, stepTimeout, skip)
	if resp.Status != v1.StatusSuccess {
		fatalf("join_channel failed (%s): code=%q msg=%q", c.name, resp.ErrorCode, resp.Error)
	}
}

func mustSendChannelMessage(parent context.Context, c *smokeClient, msgID, room, channel, text string, stepTimeout time.Duration) {
	payload, _ := json.Marshal(map[string]string{"content": text})
	c.send(parent, v1.Envelope{
		ID:         msgID,
		Type:       v1.TypeMessage,
		Version:    v1.Version,
		Timestamp:  time.Now().UTC(),
		FromClient: c.clientID,
		Room:       room,
		Channel:    channel,
		Payload:    payload,
	}, stepTimeout)
}

func assertMessage(env v1.Envelope, wantFrom, wantText string) {
	if env.FromClient != wantFrom {
		fatalf("message from_client mismatch: got=%q want=%q", env.FromClient, wantFrom)
	}
	var p map[string]string
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload: %v", err)
	}
	if p["content"] != wantText {
		fatalf("message text mismatch: got=%q want=%q", p["content"], wantText)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, room, channel, msgID string, stepTimeout time.Duration) int64 {
	c.send(parent, v1.Envelope{
		ID:         fmt.Sprintf("arq_cmd_hist%d", time.Now().UnixNano()),
		Type:       v1.TypeCommand,
		Version:    v1.Version,
		Timestamp:  time.Now().UTC(),
		FromClient: c.clientID,
		Command:    v1.CmdHistoryGet,
		Args:       map[string]any{"room": room, "channel": channel},
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeEvent: {}, v1.TypeMessage: {}}
	resp := c.mustReadUntilType(parent, v1.TypeResponse, stepTimeout, skip)
	if resp.Status != v1.StatusSuccess {
		fatalf("op.history.get failed (%s): code=%q msg=%q", c.name, resp.ErrorCode, resp.Error)
	}

	var p v1.HistoryPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		fatalf("unmarshal history payload (%s): %v", c.name, err)
	}
	for _, e := range p.Entries {
		if e.Envelope.ID == msgID {
			if e.Seq < 1 {
				fatalf("history seq invalid (%s): %d", c.name, e.Seq)
			}
			return e.Seq
		}
	}
	fatalf("history missing message %s (%s)", msgID, c.name)
	return 0
}

func (c *smokeClient) mustReadUntilEvent(parent context.Context, wantEvent string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeEvent, stepTimeout, nil)
		var p v1.EventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal event payload (%s): %v", c.name, err)
		}
		if p.Event == wantEvent {
			return
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, env.ErrorCode, env.Error)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, env.ErrorCode, env.Error)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
