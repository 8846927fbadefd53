package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// Max bytes accepted per broker request.
	maxRequestBytes = 16 << 10 // 16 KiB

	defaultRequestTimeout = 5 * time.Second

	// Cached credentials are refreshed this long before they expire.
	defaultRefreshMargin = time.Minute
)

// Issuer mints backbone credentials. Token issuance logic lives outside this
// process; the broker only brokers.
type Issuer interface {
	Issue(ctx context.Context, audience, deviceID string) (TokenDetails, error)
}

// ServerOptions configures the broker serving half.
type ServerOptions struct {
	// SocketPath is the unix socket to listen on. Created with mode 0600.
	SocketPath string

	// AudienceTokens maps audience -> the static broker token that audience
	// must present.
	AudienceTokens map[string]string

	// RequestTimeout bounds one request/response exchange (default 5s).
	RequestTimeout time.Duration

	// RefreshMargin controls how long before expiry a cached credential is
	// considered stale (default 1m).
	RefreshMargin time.Duration

	Logger *slog.Logger
}

// Server answers token broker requests over a unix socket.
type Server struct {
	log            *slog.Logger
	socketPath     string
	audienceTokens map[string]string
	requestTimeout time.Duration
	refreshMargin  time.Duration
	issuer         Issuer

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	cache    map[string]cachedToken
	wg       sync.WaitGroup
}

type cachedToken struct {
	details TokenDetails
	expires time.Time
}

// NewServer constructs a broker server.
func NewServer(issuer Issuer, opts ServerOptions) (*Server, error) {
	if issuer == nil {
		return nil, errors.New("broker: nil issuer")
	}
	if opts.SocketPath == "" {
		return nil, errors.New("broker: socket path is required")
	}
	if len(opts.AudienceTokens) == 0 {
		return nil, errors.New("broker: no audiences configured")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultRefreshMargin
	}

	return &Server{
		log:            opts.Logger,
		socketPath:     opts.SocketPath,
		audienceTokens: opts.AudienceTokens,
		requestTimeout: opts.RequestTimeout,
		refreshMargin:  opts.RefreshMargin,
		issuer:         issuer,
		cache:          make(map[string]cachedToken),
	}, nil
}

// Start listens on the unix socket and serves requests until Close.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("broker: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.log.Warn("broker.socket.chmod.fail", "socket", s.socketPath, "err", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("broker.listening", "socket", s.socketPath)
	go s.acceptLoop(ctx)
	return nil
}

// Close stops the listener and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		listener := s.listener
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("broker.accept.fail", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.requestTimeout))

	raw, err := io.ReadAll(io.LimitReader(conn, maxRequestBytes+1))
	if err != nil {
		s.log.Warn("broker.read.fail", "err", err)
		return
	}
	if len(raw) > maxRequestBytes {
		s.respond(conn, tokenResponse{OK: false, Error: "request too large"})
		return
	}

	var req tokenRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.respond(conn, tokenResponse{OK: false, Error: "invalid request"})
		return
	}
	if req.Audience == "" || req.DeviceID == "" {
		s.respond(conn, tokenResponse{OK: false, Error: "audience and device_id are required"})
		return
	}

	want, ok := s.audienceTokens[req.Audience]
	if !ok || want == "" || want != req.BrokerToken {
		s.log.Info("broker.reject", "audience", req.Audience, "device_id", req.DeviceID)
		s.respond(conn, tokenResponse{OK: false, Error: "unauthorized"})
		return
	}

	details, err := s.tokenFor(ctx, req.Audience, req.DeviceID)
	if err != nil {
		s.log.Warn("broker.issue.fail", "audience", req.Audience, "device_id", req.DeviceID, "err", err)
		s.respond(conn, tokenResponse{OK: false, Error: "token issuance failed"})
		return
	}

	encoded, err := json.Marshal(details)
	if err != nil {
		s.respond(conn, tokenResponse{OK: false, Error: "token encoding failed"})
		return
	}

	s.log.Info("broker.issued", "audience", req.Audience, "device_id", req.DeviceID, "client_id", details.ClientID)
	s.respond(conn, tokenResponse{OK: true, TokenDetails: encoded})
}

// tokenFor serves from the cache when the credential is still comfortably
// inside its validity window, otherwise delegates to the issuer.
func (s *Server) tokenFor(ctx context.Context, audience, deviceID string) (TokenDetails, error) {
	key := audience + "\x00" + deviceID
	now := time.Now()

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok && now.Before(cached.expires.Add(-s.refreshMargin)) {
		s.mu.Unlock()
		return cached.details, nil
	}
	s.mu.Unlock()

	issueCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	details, err := s.issuer.Issue(issueCtx, audience, deviceID)
	if err != nil {
		return TokenDetails{}, err
	}

	if details.Expires > 0 {
		s.mu.Lock()
		s.cache[key] = cachedToken{
			details: details,
			expires: time.UnixMilli(details.Expires),
		}
		s.mu.Unlock()
	}
	return details, nil
}

func (s *Server) respond(conn net.Conn, resp tokenResponse) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		s.log.Warn("broker.write.fail", "err", err)
	}
}
