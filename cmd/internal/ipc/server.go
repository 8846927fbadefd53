package ipc

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InboundMessage is one backbone message fanned out to a subscriber.
type InboundMessage struct {
	MessageID    string
	Channel      string
	Event        string
	Payload      []byte
	ReceivedAtMS int64
}

// Manager is the daemon-side backend the IPC server dispatches into.
type Manager interface {
	// Publish sends best-effort (fire and forget with bounded retries).
	Publish(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error

	// PublishAck sends and waits for the backbone to confirm acceptance.
	PublishAck(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error

	ObjectSet(ctx context.Context, channel, key string, value []byte, timeout time.Duration) error

	// Subscribe registers a delivery callback under a server-unique key.
	Subscribe(ctx context.Context, subscriptionKey, channel, event string, onMessage func(*InboundMessage)) error

	Unsubscribe(subscriptionKey string)
}

// Server serves the IPC protocol on a unix socket.
type Server struct {
	log           *slog.Logger
	socketPath    string
	maxFrameBytes int
	manager       Manager

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer constructs an IPC server; Start makes it listen.
func NewServer(socketPath string, maxFrameBytes int, manager Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Server{
		log:           log,
		socketPath:    socketPath,
		maxFrameBytes: maxFrameBytes,
		manager:       manager,
	}
}

// Start listens on the unix socket and serves connections until Close.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.log.Warn("ipc.socket.chmod.fail", "socket", s.socketPath, "err", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("ipc.listening", "socket", s.socketPath)
	go s.acceptLoop(ctx)
	return nil
}

// Close stops the listener and waits for connection handlers to finish.
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
			s.log.Warn("ipc.accept.fail", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	state := &serverConn{
		id:            uuid.NewString(),
		conn:          conn,
		subscriptions: make(map[string]struct{}),
	}

	s.log.Info("ipc.client.connected", "connection_id", state.id)
	defer func() {
		state.mu.Lock()
		subscriptions := make([]string, 0, len(state.subscriptions))
		for key := range state.subscriptions {
			subscriptions = append(subscriptions, key)
		}
		state.closed = true
		state.mu.Unlock()

		for _, key := range subscriptions {
			s.manager.Unsubscribe(key)
		}

		s.log.Info("ipc.client.disconnected", "connection_id", state.id)
	}()

	scanner := bufio.NewScanner(conn)
	initialCap := scannerInitialBytes
	if s.maxFrameBytes < initialCap {
		initialCap = s.maxFrameBytes
	}
	scanner.Buffer(make([]byte, 0, initialCap), s.maxFrameBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.processLine(state, scanner.Bytes()); err != nil {
			s.log.Warn("ipc.frame.fail", "connection_id", state.id, "err", err)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.log.Warn("ipc.frame.too_large", "connection_id", state.id, "max_frame_bytes", s.maxFrameBytes)
			return
		}
		s.log.Warn("ipc.read.fail", "connection_id", state.id, "err", err)
	}
}

func (s *Server) processLine(state *serverConn, line []byte) error {
	var envelope operationEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return fmt.Errorf("invalid operation envelope: %w", err)
	}

	switch envelope.Op {
	case OpPublish:
		var request publishRequest
		if err := json.Unmarshal(line, &request); err != nil {
			return fmt.Errorf("invalid publish request: %w", err)
		}
		return s.handlePublish(state, request, false)
	case OpPublishAck:
		var request publishRequest
		if err := json.Unmarshal(line, &request); err != nil {
			return fmt.Errorf("invalid publish ack request: %w", err)
		}
		return s.handlePublish(state, request, true)
	case OpObjectSet:
		var request objectSetRequest
		if err := json.Unmarshal(line, &request); err != nil {
			return fmt.Errorf("invalid object set request: %w", err)
		}
		return s.handleObjectSet(state, request)
	case OpSubscribe:
		var request subscribeRequest
		if err := json.Unmarshal(line, &request); err != nil {
			return fmt.Errorf("invalid subscribe request: %w", err)
		}
		return s.handleSubscribe(state, request)
	default:
		return fmt.Errorf("unknown operation: %s", envelope.Op)
	}
}

func (s *Server) handlePublish(state *serverConn, request publishRequest, confirmed bool) error {
	ack := requestAck{Op: OpPublishAck, RequestID: request.RequestID, OK: true}

	if request.RequestID == "" {
		ack.OK = false
		ack.Error = "request_id is required"
		return state.writeJSON(ack)
	}
	if request.Channel == "" {
		ack.OK = false
		ack.Error = "channel is required"
		return state.writeJSON(ack)
	}
	if request.Event == "" {
		ack.OK = false
		ack.Error = "event is required"
		return state.writeJSON(ack)
	}

	payload, err := base64.StdEncoding.DecodeString(request.PayloadB64)
	if err != nil {
		ack.OK = false
		ack.Error = "payload_b64 must be valid base64"
		return state.writeJSON(ack)
	}

	ctx, cancel, timeout := requestContext(request.TimeoutMS)
	defer cancel()

	if confirmed {
		err = s.manager.PublishAck(ctx, request.Channel, request.Event, payload, timeout)
	} else {
		err = s.manager.Publish(ctx, request.Channel, request.Event, payload, timeout)
	}
	if err != nil {
		ack.OK = false
		ack.Error = err.Error()
	}
	return state.writeJSON(ack)
}

func (s *Server) handleObjectSet(state *serverConn, request objectSetRequest) error {
	ack := requestAck{Op: OpPublishAck, RequestID: request.RequestID, OK: true}

	if request.RequestID == "" {
		ack.OK = false
		ack.Error = "request_id is required"
		return state.writeJSON(ack)
	}
	if request.Channel == "" {
		ack.OK = false
		ack.Error = "channel is required"
		return state.writeJSON(ack)
	}
	if request.Key == "" {
		ack.OK = false
		ack.Error = "key is required"
		return state.writeJSON(ack)
	}

	value, err := base64.StdEncoding.DecodeString(request.ValueB64)
	if err != nil {
		ack.OK = false
		ack.Error = "value_b64 must be valid base64"
		return state.writeJSON(ack)
	}

	ctx, cancel, timeout := requestContext(request.TimeoutMS)
	defer cancel()

	if err := s.manager.ObjectSet(ctx, request.Channel, request.Key, value, timeout); err != nil {
		ack.OK = false
		ack.Error = err.Error()
	}
	return state.writeJSON(ack)
}

func (s *Server) handleSubscribe(state *serverConn, request subscribeRequest) error {
	ack := requestAck{Op: OpSubscribeAck, RequestID: request.RequestID, OK: true}

	if request.RequestID == "" {
		ack.OK = false
		ack.Error = "request_id is required"
		return state.writeJSON(ack)
	}
	if request.SubscriptionID == "" {
		ack.OK = false
		ack.Error = "subscription_id is required"
		return state.writeJSON(ack)
	}
	if request.Channel == "" {
		ack.OK = false
		ack.Error = "channel is required"
		return state.writeJSON(ack)
	}

	subscriptionKey := fmt.Sprintf("%s:%s", state.id, request.SubscriptionID)
	err := s.manager.Subscribe(
		context.Background(),
		subscriptionKey,
		request.Channel,
		request.Event,
		func(msg *InboundMessage) {
			out := messageEnvelope{
				Op:             OpMessage,
				SubscriptionID: request.SubscriptionID,
				MessageID:      msg.MessageID,
				Channel:        msg.Channel,
				Event:          msg.Event,
				PayloadB64:     base64.StdEncoding.EncodeToString(msg.Payload),
				ReceivedAtMS:   msg.ReceivedAtMS,
			}
			if err := state.writeJSON(out); err != nil {
				s.log.Warn("ipc.subscription.write.fail",
					"connection_id", state.id, "subscription_id", request.SubscriptionID, "err", err)
			}
		},
	)
	if err != nil {
		ack.OK = false
		ack.Error = err.Error()
	} else {
		state.mu.Lock()
		state.subscriptions[subscriptionKey] = struct{}{}
		state.mu.Unlock()
	}
	return state.writeJSON(ack)
}

// requestContext derives a context from a client-supplied timeout; zero means
// no deadline.
func requestContext(timeoutMS int64) (context.Context, context.CancelFunc, time.Duration) {
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeoutMS > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		return ctx, cancel, timeout
	}
	return context.Background(), func() {}, 0
}

type serverConn struct {
	id   string
	conn net.Conn

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]struct{}
}

// writeJSON serializes one frame and writes it under the connection lock so
// acks and subscription messages never interleave.
func (s *serverConn) writeJSON(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("connection closed")
	}
	_, err = s.conn.Write(encoded)
	return err
}
