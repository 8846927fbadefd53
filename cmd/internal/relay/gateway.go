package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tether/cmd/internal/ids"
	v1 "tether/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "tether.relay.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for the Tether relay.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated frames to the Registry and Router. Session payloads are
// forwarded as-is; the gateway never decrypts or inspects them.
type Gateway struct {
	log       *slog.Logger
	registry  *Registry
	router    *Router
	validator TokenValidator
	presence  PresenceStore
	notifier  Notifier
	metrics   *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
// Nil collaborators fall back to in-memory/no-op implementations for dev.
func NewGateway(log *slog.Logger, registry *Registry, validator TokenValidator, presence PresenceStore, notifier Notifier, metrics *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if presence == nil {
		presence = NewInMemoryPresenceStore()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	g := &Gateway{
		log:       log,
		registry:  registry,
		router:    NewRouter(log, registry, metrics),
		validator: validator,
		presence:  presence,
		notifier:  notifier,
		metrics:   metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("TETHER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("TETHER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("TETHER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("TETHER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("TETHER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("TETHER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("TETHER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("TETHER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("TETHER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("TETHER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	connID, err := ids.NewULID(time.Now())
	if err != nil {
		connID = NewRandomHex(10)
	}
	conn := NewConn(connID, g.sendQueueSize)

	g.metrics.ActiveConnections.Inc()
	defer g.metrics.ActiveConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close conn.Send.
	// Broadcast safety: conn.Send remains open and membership removal happens before conn.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.onDisconnect(conn)

			conn.Close()
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case frame := <-conn.Send:
				if err := writeFrame(ctx, ws, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		raw, frame, err := readFrame(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(conn, v1.CodeInvalidJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(conn, v1.CodeInvalidMessage, "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := frame.Validate(); err != nil {
			g.trySendError(conn, v1.CodeInvalidMessage, err.Error())
			continue readLoop
		}

		switch frame.Type {
		case v1.TypeAuth:
			g.onAuth(ctx, conn, frame)

		case v1.TypeSubscribe:
			g.onSubscribe(ctx, conn, frame, now)

		case v1.TypeUnsubscribe:
			g.onUnsubscribe(conn, frame)

		case v1.TypeHeartbeat:
			g.onHeartbeat(ctx, conn, now)

		case v1.TypeSession, v1.TypeControl:
			g.router.Route(conn, raw, frame)

		default:
			g.trySendError(conn, v1.CodeInvalidMessage, fmt.Sprintf("unsupported type: %s", frame.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onAuth(ctx context.Context, conn *Conn, frame v1.Frame) {
	if conn.Authenticated() {
		// Re-auth on a live connection is not supported; ack the current identity.
		g.enqueue(conn, v1.Frame{Type: v1.TypeAuthSuccess, DeviceID: conn.DeviceID()})
		return
	}
	if g.validator == nil {
		g.metrics.AuthFailures.Inc()
		g.enqueue(conn, v1.Frame{Type: v1.TypeAuthFailure, Code: v1.CodeInvalidAuth, Message: "authentication unavailable"})
		return
	}

	auth, err := g.validator.Validate(ctx, frame.DeviceID, frame.DeviceToken)
	if err != nil {
		g.metrics.AuthFailures.Inc()
		g.log.Info("ws.auth.fail", "conn_id", conn.ID, "device_id", frame.DeviceID, "err", err)
		// AUTH failure keeps the socket open so the client may retry.
		g.enqueue(conn, v1.Frame{Type: v1.TypeAuthFailure, Code: v1.CodeInvalidAuth, Message: "invalid device credentials"})
		return
	}

	conn.SetAuth(auth)
	g.log.Info("ws.auth.ok", "conn_id", conn.ID, "device_id", auth.DeviceID, "role", auth.Role)

	if err := g.presence.MarkOnline(ctx, DevicePresence{
		DeviceID:   auth.DeviceID,
		UserID:     auth.UserID,
		DeviceName: auth.DeviceName,
		Role:       auth.Role,
		LastSeen:   time.Now().UTC(),
	}); err != nil {
		g.log.Error("ws.presence.online.fail", "device_id", auth.DeviceID, "err", err)
	}

	g.enqueue(conn, v1.Frame{Type: v1.TypeAuthSuccess, DeviceID: auth.DeviceID})
}

func (g *Gateway) onSubscribe(ctx context.Context, conn *Conn, frame v1.Frame, now time.Time) {
	if !conn.Authenticated() {
		g.trySendError(conn, v1.CodeNotAuthenticated, "authenticate first")
		return
	}

	g.registry.Subscribe(frame.SessionID, conn)
	if err := g.presence.Touch(ctx, conn.DeviceID(), now); err != nil {
		g.log.Error("ws.presence.touch.fail", "device_id", conn.DeviceID(), "err", err)
	}
	g.enqueue(conn, v1.Frame{Type: v1.TypeSubscribed, SessionID: frame.SessionID})
}

func (g *Gateway) onUnsubscribe(conn *Conn, frame v1.Frame) {
	if !conn.Authenticated() {
		g.trySendError(conn, v1.CodeNotAuthenticated, "authenticate first")
		return
	}

	g.registry.Unsubscribe(frame.SessionID, conn.DeviceID())
	g.enqueue(conn, v1.Frame{Type: v1.TypeUnsubscribed, SessionID: frame.SessionID})
}

func (g *Gateway) onHeartbeat(ctx context.Context, conn *Conn, now time.Time) {
	if deviceID := conn.DeviceID(); deviceID != "" {
		if err := g.presence.Touch(ctx, deviceID, now); err != nil {
			g.log.Error("ws.presence.touch.fail", "device_id", deviceID, "err", err)
		}
	}
	g.enqueue(conn, v1.Frame{Type: v1.TypeHeartbeatAck})
}

// onDisconnect removes the connection from all sessions, notifies remaining
// members, and records the device offline. Runs inside the shutdown closure,
// before conn.Close, so broadcasters never race a closing member.
func (g *Gateway) onDisconnect(conn *Conn) {
	auth := conn.Auth()
	affected := g.registry.Drop(conn)

	if auth == nil {
		return
	}

	for _, sessionID := range affected {
		left, err := json.Marshal(v1.MemberLeft(sessionID, auth.DeviceID))
		if err != nil {
			continue
		}
		for _, m := range g.registry.Members(sessionID) {
			if !m.TryEnqueue(left) {
				g.metrics.BroadcastDrops.Inc()
			}
		}
	}

	// Downstream notification and presence writes are off the close path.
	go func(auth AuthContext, affected []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, sessionID := range affected {
			if auth.Role == RoleExecutor {
				g.notifier.SessionEnded(ctx, sessionID, auth.DeviceID)
			} else {
				g.notifier.MemberLeft(ctx, sessionID, auth.DeviceID)
			}
		}

		if err := g.presence.MarkOffline(ctx, auth.DeviceID, time.Now().UTC()); err != nil {
			g.log.Error("ws.presence.offline.fail", "device_id", auth.DeviceID, "err", err)
		}
	}(*auth, affected)
}

// ---- send helpers ----

func (g *Gateway) trySendError(conn *Conn, code, msg string) {
	g.enqueue(conn, v1.Error(code, msg))
}

func (g *Gateway) enqueue(conn *Conn, frame v1.Frame) bool {
	return enqueueFrame(conn, frame)
}

// ---- frame IO ----

func readFrame(ctx context.Context, ws *websocket.Conn) ([]byte, v1.Frame, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return nil, v1.Frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, v1.Frame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var frame v1.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, v1.Frame{}, err
	}
	return data, frame, nil
}

func writeFrame(parent context.Context, ws *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	return ws.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
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

	// JSON decode errors are typically returned by json.Unmarshal, not ws.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
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

	return fmt.Errorf("origin not allowed: %s", origin)
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

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
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

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
