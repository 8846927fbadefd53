// Package main provides a CI-friendly WebSocket smoke test for the Tether relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - AUTH -> AUTH_SUCCESS
//   - SUBSCRIBE -> SUBSCRIBED
//   - HEARTBEAT -> HEARTBEAT_ACK
//   - session envelope fanout to another member, payload untouched
//   - DELIVERY_FAILED on an unknown session
//   - ERROR on a spoofed senderId
//   - MEMBER_LEFT fanout on disconnect
package main

import (
	"bytes"
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

	v1 "tether/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "tether.relay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name     string
	deviceID string
	conn     *websocket.Conn

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		sessionID = flag.String("session", "dev-session-1", "Session ID to subscribe to")
		deviceA   = flag.String("device-a", "dev-a", "First device ID")
		tokenA    = flag.String("token-a", "", "First device token (required)")
		deviceB   = flag.String("device-b", "dev-b", "Second device ID")
		tokenB    = flag.String("token-b", "", "Second device token (required)")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *deviceA, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *deviceB, *tokenB, *timeout)

	if *verbose {
		fmt.Printf("authenticated: A=%s B=%s origin=%q\n", a.deviceID, b.deviceID, *origin)
	}

	mustSubscribe(root, a, *sessionID, *timeout)
	mustSubscribe(root, b, *sessionID, *timeout)

	mustHeartbeat(root, a, *timeout)

	payload := json.RawMessage(fmt.Sprintf(`"opaque-%d"`, time.Now().UnixNano()))
	mustRouteEnvelope(root, a, b, *sessionID, payload, *timeout)

	mustDeliveryFailed(root, a, "no-such-session", v1.CodeSessionNotFound, *timeout)

	mustSenderMismatchRejected(root, a, *sessionID, b.deviceID, *timeout)

	closeWS(b.conn)
	mustMemberLeft(root, a, *sessionID, b.deviceID, *timeout)

	fmt.Printf("OK: A=%s B=%s session_id=%s\n", a.deviceID, b.deviceID, *sessionID)
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

func mustConnect(parent context.Context, name, wsURL, origin, deviceID, deviceToken string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		deviceID: deviceID,
		conn:     conn,
		inbox:    make(chan v1.Frame, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Auth(deviceID, deviceToken), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeAuthSuccess, stepTimeout, nil)
	if ack.DeviceID != "" && ack.DeviceID != deviceID {
		fatalf("auth ack device mismatch (%s): got=%q want=%q", name, ack.DeviceID, deviceID)
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

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var frame v1.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := frame.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- frame:
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

func mustSubscribe(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Subscribe(sessionID), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout, nil)
	if ack.SessionID != sessionID {
		fatalf("subscribed session mismatch (%s): got=%q want=%q", c.name, ack.SessionID, sessionID)
	}
}

func mustHeartbeat(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Heartbeat(), stepTimeout)
	c.mustReadUntilType(parent, v1.TypeHeartbeatAck, stepTimeout, nil)
}

func mustRouteEnvelope(parent context.Context, from, to *smokeClient, sessionID string, payload json.RawMessage, stepTimeout time.Duration) {
	env := v1.SessionEnvelope(sessionID, from.deviceID, payload, time.Now().UTC())
	mustWriteWithTimeout(parent, from.conn, env, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeSession, stepTimeout, nil)
	if got.SessionID != sessionID {
		fatalf("routed session mismatch (%s): got=%q want=%q", to.name, got.SessionID, sessionID)
	}
	if got.SenderID != from.deviceID {
		fatalf("routed sender mismatch (%s): got=%q want=%q", to.name, got.SenderID, from.deviceID)
	}
	if !bytes.Equal(got.Payload, payload) {
		fatalf("routed payload altered (%s): got=%s want=%s", to.name, got.Payload, payload)
	}
	if strings.TrimSpace(got.Timestamp) == "" {
		fatalf("routed envelope missing timestamp (%s)", to.name)
	}
}

func mustDeliveryFailed(parent context.Context, c *smokeClient, sessionID, wantCode string, stepTimeout time.Duration) {
	env := v1.SessionEnvelope(sessionID, c.deviceID, json.RawMessage(`"b3BhcXVl"`), time.Now().UTC())
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeDeliveryFailed, stepTimeout, nil)
	if got.Code != wantCode {
		fatalf("delivery failure code mismatch (%s): got=%q want=%q", c.name, got.Code, wantCode)
	}
	if got.SessionID != sessionID {
		fatalf("delivery failure session mismatch (%s): got=%q want=%q", c.name, got.SessionID, sessionID)
	}
}

func mustSenderMismatchRejected(parent context.Context, c *smokeClient, sessionID, spoofedSender string, stepTimeout time.Duration) {
	env := v1.SessionEnvelope(sessionID, spoofedSender, json.RawMessage(`"b3BhcXVl"`), time.Now().UTC())
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilErrorCode(parent, v1.CodeSenderMismatch, stepTimeout)
	if got.Code != v1.CodeSenderMismatch {
		fatalf("expected %s error (%s), got code=%q", v1.CodeSenderMismatch, c.name, got.Code)
	}
}

func mustMemberLeft(parent context.Context, c *smokeClient, sessionID, deviceID string, stepTimeout time.Duration) {
	got := c.mustReadUntilType(parent, v1.TypeMemberLeft, stepTimeout, nil)
	if got.SessionID != sessionID {
		fatalf("member left session mismatch (%s): got=%q want=%q", c.name, got.SessionID, sessionID)
	}
	if got.DeviceID != deviceID {
		fatalf("member left device mismatch (%s): got=%q want=%q", c.name, got.DeviceID, deviceID)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if frame.Type == wantType {
				return frame
			}
			if frame.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, frame.Code, frame.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[frame.Type]; ok {
					continue
				}
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, frame.Type, wantType)
		}
	}
}

// mustReadUntilErrorCode waits for an ERROR frame; any other frame type is a
// failure.
func (c *smokeClient) mustReadUntilErrorCode(parent context.Context, wantCode string, stepTimeout time.Duration) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for ERROR %q (%s): %v", wantCode, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for ERROR %q (%s): %v", wantCode, c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for ERROR %q (%s)", wantCode, c.name)
			}
			if frame.Type != v1.TypeError {
				fatalf("unexpected frame type (%s): got=%q want=ERROR", c.name, frame.Type)
			}
			return frame
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, frame v1.Frame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
