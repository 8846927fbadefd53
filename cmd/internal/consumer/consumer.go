// Package consumer receives remote commands from the pub/sub backbone one at
// a time. The queue holds at most one pending command; a command that arrives
// while another is in flight blocks on the backbone side until the consumer
// drains it or shuts down.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tether/cmd/internal/backbone"
)

const (
	// QueueDepth is the maximum number of undelivered commands held locally.
	QueueDepth = 1

	errorQueueDepth = 8

	detachTimeout = 3 * time.Second
)

var ErrClosed = errors.New("consumer: closed")

// Command is one inbound remote command.
type Command struct {
	ID         string
	Event      string
	Payload    []byte
	ReceivedAt time.Time
}

// Options configures a Consumer.
type Options struct {
	// Channel is the backbone channel to attach to.
	Channel string

	// Event filters inbound messages by event name. Empty accepts all.
	Event string

	Logger *slog.Logger
}

// Consumer subscribes to one backbone channel and surfaces commands on a
// bounded queue.
type Consumer struct {
	log     *slog.Logger
	conn    backbone.Conn
	channel backbone.Channel
	event   string

	messages chan Command
	errs     chan error

	mu          sync.Mutex
	closed      bool
	closedCh    chan struct{}
	unsubscribe func()
	cancelFn    context.CancelFunc
}

// New wires a consumer over an already constructed backbone connection.
func New(conn backbone.Conn, opts Options) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("consumer: nil backbone conn")
	}
	if opts.Channel == "" {
		return nil, errors.New("consumer: channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Consumer{
		log:      opts.Logger,
		conn:     conn,
		channel:  conn.Channel(opts.Channel),
		event:    opts.Event,
		messages: make(chan Command, QueueDepth),
		errs:     make(chan error, errorQueueDepth),
		closedCh: make(chan struct{}),
	}, nil
}

// Start connects, attaches the channel, and begins delivering commands.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.conn.Connect(ctx); err != nil {
		return fmt.Errorf("consumer: connect: %w", err)
	}
	if err := c.channel.Attach(ctx); err != nil {
		return fmt.Errorf("consumer: attach: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	unsubscribe, err := c.channel.SubscribeAll(subCtx, c.handleMessage)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer: subscribe: %w", err)
	}

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.cancelFn = cancel
	c.mu.Unlock()
	return nil
}

func (c *Consumer) handleMessage(msg *backbone.Message) {
	if c.event != "" && msg.Name != c.event {
		c.log.Debug("consumer.msg.drop", "event", msg.Name, "want", c.event)
		return
	}

	payload, err := msg.Payload()
	if err != nil {
		c.emitError(fmt.Errorf("consumer: decode payload for %s: %w", msg.ID, err))
		return
	}

	cmd := Command{
		ID:         msg.ID,
		Event:      msg.Name,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	// Blocking push: backpressure lands on the backbone delivery goroutine
	// until the in-flight command drains.
	select {
	case c.messages <- cmd:
	case <-c.closedCh:
	}
}

// Receive returns the next command, blocking until one arrives, the context
// ends, or the consumer closes.
func (c *Consumer) Receive(ctx context.Context) (Command, error) {
	select {
	case cmd := <-c.messages:
		return cmd, nil
	case <-c.closedCh:
		return Command{}, ErrClosed
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

// Errors exposes asynchronous consumer errors.
func (c *Consumer) Errors() <-chan error {
	return c.errs
}

func (c *Consumer) emitError(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warn("consumer.errors.full", "err", err)
	}
}

// Close detaches and shuts the consumer down. Idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closedCh)
	unsubscribe := c.unsubscribe
	cancel := c.cancelFn
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}

	detachCtx, detachCancel := context.WithTimeout(context.Background(), detachTimeout)
	if err := c.channel.Detach(detachCtx); err != nil {
		c.log.Warn("consumer.detach.fail", "err", err)
	}
	detachCancel()

	c.conn.Close()
	// The messages and errs channels are never closed: a delivery already past
	// the event filter may still be selecting on messages, and a send to a
	// closed channel would panic. Shutdown is signalled through closedCh.
}
