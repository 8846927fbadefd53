package ipc

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDialTimeout = 3 * time.Second
	defaultAckTimeout  = 5 * time.Second

	reconnectBackoffMin = 200 * time.Millisecond
	reconnectBackoffMax = 3 * time.Second

	envMaxFrameBytes = "TETHER_IPC_MAX_FRAME_BYTES"
)

var (
	ErrClientClosed = errors.New("ipc: client closed")
	ErrNotConnected = errors.New("ipc: not connected")
	ErrTimeout      = errors.New("ipc: request timed out")
)

// Message is one inbound subscription message pushed by the daemon.
type Message struct {
	SubscriptionID string
	MessageID      string
	Channel        string
	Event          string
	Payload        []byte
	ReceivedAtMS   int64
}

// Subscription is a channel/event binding registered with the daemon.
type Subscription struct {
	SubscriptionID string
	Channel        string
	Event          string
}

// Client is a reconnecting line-delimited JSON client for the sidecar daemon.
// Subscriptions are replayed automatically after a reconnect.
type Client struct {
	socketPath string
	dialFn     func(context.Context) (net.Conn, error)

	mu            sync.Mutex
	conn          net.Conn
	closed        bool
	reconnecting  bool
	pending       map[string]chan requestAck
	subscriptions map[string]Subscription

	writeMu       sync.Mutex
	maxFrameBytes int
	messages      chan *Message
	errs          chan error
}

// NewClient builds a client bound to the daemon socket path.
func NewClient(socketPath string) (*Client, error) {
	maxFrameBytes, err := maxFrameBytesFromEnv()
	if err != nil {
		return nil, err
	}

	dialFn := func(ctx context.Context) (net.Conn, error) {
		dialer := net.Dialer{}
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	return newClientWithDial(socketPath, dialFn, maxFrameBytes)
}

func newClientWithDial(
	socketPath string,
	dialFn func(context.Context) (net.Conn, error),
	maxFrameBytes int,
) (*Client, error) {
	if socketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if dialFn == nil {
		return nil, errors.New("ipc: dial function is required")
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}

	return &Client{
		socketPath:    socketPath,
		dialFn:        dialFn,
		maxFrameBytes: maxFrameBytes,
		pending:       make(map[string]chan requestAck),
		subscriptions: make(map[string]Subscription),
		messages:      make(chan *Message, 32),
		errs:          make(chan error, 8),
	}, nil
}

// Connect establishes the IPC connection if needed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.dialAndStart(ctx)
}

// Publish sends a publish.v1 request and waits for its ack.
func (c *Client) Publish(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error {
	return c.publish(ctx, OpPublish, channel, event, payload, timeout)
}

// PublishAck sends a publish.ack.v1 request: publish with delivery
// confirmation from the backbone.
func (c *Client) PublishAck(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error {
	return c.publish(ctx, OpPublishAck, channel, event, payload, timeout)
}

func (c *Client) publish(ctx context.Context, op, channel, event string, payload []byte, timeout time.Duration) error {
	if channel == "" {
		return errors.New("ipc: channel is required")
	}
	if event == "" {
		return errors.New("ipc: event is required")
	}
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	send := func() (requestAck, error) {
		requestID := uuid.NewString()
		return c.sendAndAwaitAck(ctx, publishRequest{
			Op:         op,
			RequestID:  requestID,
			Channel:    channel,
			Event:      event,
			PayloadB64: base64.StdEncoding.EncodeToString(payload),
			TimeoutMS:  timeout.Milliseconds(),
		}, requestID)
	}

	ack, err := send()
	if err != nil {
		// One retry after a reconnect attempt.
		if errors.Is(err, ErrNotConnected) {
			if reconnectErr := c.ensureConnected(ctx); reconnectErr == nil {
				ack, err = send()
			}
		}
		if err != nil {
			return err
		}
	}

	if !ack.OK {
		if ack.Error == "" {
			return errors.New("ipc: publish rejected")
		}
		return fmt.Errorf("ipc: publish rejected: %s", ack.Error)
	}
	return nil
}

// ObjectSet sends an object.set.v1 request and waits for its ack.
func (c *Client) ObjectSet(ctx context.Context, channel, key string, value []byte, timeout time.Duration) error {
	if channel == "" {
		return errors.New("ipc: channel is required")
	}
	if key == "" {
		return errors.New("ipc: key is required")
	}
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	requestID := uuid.NewString()
	ack, err := c.sendAndAwaitAck(ctx, objectSetRequest{
		Op:        OpObjectSet,
		RequestID: requestID,
		Channel:   channel,
		Key:       key,
		ValueB64:  base64.StdEncoding.EncodeToString(value),
		TimeoutMS: timeout.Milliseconds(),
	}, requestID)
	if err != nil {
		return err
	}
	if !ack.OK {
		if ack.Error == "" {
			return errors.New("ipc: object set rejected")
		}
		return fmt.Errorf("ipc: object set rejected: %s", ack.Error)
	}
	return nil
}

// Subscribe registers a subscription and replays it after reconnects.
func (c *Client) Subscribe(ctx context.Context, sub Subscription) error {
	if sub.SubscriptionID == "" {
		return errors.New("ipc: subscription id is required")
	}
	if sub.Channel == "" {
		return errors.New("ipc: subscription channel is required")
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	requestID := uuid.NewString()
	ack, err := c.sendAndAwaitAck(ctx, subscribeRequest{
		Op:             OpSubscribe,
		RequestID:      requestID,
		SubscriptionID: sub.SubscriptionID,
		Channel:        sub.Channel,
		Event:          sub.Event,
	}, requestID)
	if err != nil {
		return err
	}
	if !ack.OK {
		if ack.Error == "" {
			return errors.New("ipc: subscription rejected")
		}
		return fmt.Errorf("ipc: subscription rejected: %s", ack.Error)
	}

	c.mu.Lock()
	if !c.closed {
		c.subscriptions[sub.SubscriptionID] = sub
	}
	c.mu.Unlock()
	return nil
}

// Messages returns decoded inbound subscription messages.
func (c *Client) Messages() <-chan *Message {
	return c.messages
}

// Errors returns asynchronous connection and protocol errors.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// IsConnected reports whether the daemon socket is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close tears down the client and fails all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan requestAck)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	for _, ch := range pending {
		select {
		case ch <- requestAck{OK: false, Error: ErrClientClosed.Error()}:
		default:
		}
	}
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.dialAndStart(ctx)
}

func (c *Client) dialAndStart(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, err := c.dialFn(dialCtx)
	if err != nil {
		return fmt.Errorf("ipc: connect %s: %w", c.socketPath, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.restoreSubscriptions()
	return nil
}

func (c *Client) sendAndAwaitAck(ctx context.Context, payload any, requestID string) (requestAck, error) {
	ackCh := make(chan requestAck, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return requestAck{}, ErrClientClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return requestAck{}, ErrNotConnected
	}
	c.pending[requestID] = ackCh
	c.mu.Unlock()

	if err := c.writeJSON(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return requestAck{}, err
	}

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if _, hasDeadline := waitCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, defaultAckTimeout)
		defer cancel()
	}

	select {
	case ack := <-ackCh:
		if !ack.OK && ack.Error == ErrNotConnected.Error() {
			return requestAck{}, ErrNotConnected
		}
		return ack, nil
	case <-waitCtx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return requestAck{}, ErrTimeout
		}
		return requestAck{}, waitCtx.Err()
	}
}

func (c *Client) writeJSON(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	encoded = append(encoded, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.Write(encoded); err != nil {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	initialCap := scannerInitialBytes
	if c.maxFrameBytes < initialCap {
		initialCap = c.maxFrameBytes
	}
	scanner.Buffer(make([]byte, 0, initialCap), c.maxFrameBytes)

	for scanner.Scan() {
		if err := c.handleLine(scanner.Bytes()); err != nil {
			c.emitError(err)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.emitError(fmt.Errorf("ipc: frame exceeds max size of %d bytes", c.maxFrameBytes))
		} else {
			c.emitError(fmt.Errorf("ipc: read error: %w", err))
		}
	}

	c.handleDisconnect(conn)
}

func (c *Client) handleLine(line []byte) error {
	var envelope operationEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return fmt.Errorf("ipc: invalid frame envelope: %w", err)
	}

	switch envelope.Op {
	case OpPublishAck, OpSubscribeAck:
		var ack requestAck
		if err := json.Unmarshal(line, &ack); err != nil {
			return fmt.Errorf("ipc: invalid ack frame: %w", err)
		}
		c.resolvePending(ack.RequestID, ack)
	case OpMessage:
		var msg messageEnvelope
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("ipc: invalid message envelope: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.PayloadB64)
		if err != nil {
			return fmt.Errorf("ipc: invalid message payload: %w", err)
		}
		// Blocking send keeps one-in-flight consumers honest when the
		// receiver is slow.
		c.messages <- &Message{
			SubscriptionID: msg.SubscriptionID,
			MessageID:      msg.MessageID,
			Channel:        msg.Channel,
			Event:          msg.Event,
			Payload:        payload,
			ReceivedAtMS:   msg.ReceivedAtMS,
		}
	default:
		// Unknown ops are ignored for forward compatibility.
	}
	return nil
}

func (c *Client) resolvePending(requestID string, ack requestAck) {
	if requestID == "" {
		return
	}

	c.mu.Lock()
	pending := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()

	if pending == nil {
		return
	}
	select {
	case pending <- ack:
	default:
	}
}

func (c *Client) handleDisconnect(readConn net.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn != readConn {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil

	pending := c.pending
	c.pending = make(map[string]chan requestAck)

	alreadyReconnecting := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- requestAck{OK: false, Error: ErrNotConnected.Error()}:
		default:
		}
	}

	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	backoff := reconnectBackoffMin
	for {
		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
		err := c.dialAndStart(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		c.emitError(fmt.Errorf("ipc: reconnect failed: %w", err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

func (c *Client) restoreSubscriptions() {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return
	}
	subscriptions := make([]Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subscriptions = append(subscriptions, sub)
	}
	c.mu.Unlock()

	for _, sub := range subscriptions {
		ctx, cancel := context.WithTimeout(context.Background(), defaultAckTimeout)
		requestID := uuid.NewString()
		ack, err := c.sendAndAwaitAck(ctx, subscribeRequest{
			Op:             OpSubscribe,
			RequestID:      requestID,
			SubscriptionID: sub.SubscriptionID,
			Channel:        sub.Channel,
			Event:          sub.Event,
		}, requestID)
		cancel()
		if err != nil {
			c.emitError(fmt.Errorf("ipc: restore subscription %s: %w", sub.SubscriptionID, err))
			continue
		}
		if !ack.OK {
			c.emitError(fmt.Errorf("ipc: restore subscription %s rejected: %s", sub.SubscriptionID, ack.Error))
		}
	}
}

func (c *Client) emitError(err error) {
	if err == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

func maxFrameBytesFromEnv() (int, error) {
	raw := os.Getenv(envMaxFrameBytes)
	if raw == "" {
		return DefaultMaxFrameBytes, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ipc: invalid %s: %w", envMaxFrameBytes, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("ipc: %s must be positive", envMaxFrameBytes)
	}
	return size, nil
}
