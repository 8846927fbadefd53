// Package publisher pushes side-effects to the pub/sub backbone with bounded
// retries. Delivery is best effort; a failed publish never blocks the caller's
// state machine.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tether/cmd/internal/backbone"
	"tether/cmd/internal/sideeffect"
)

const (
	// DefaultPublishTimeout bounds each publish attempt.
	DefaultPublishTimeout = 5 * time.Second

	// MaxRetries is the number of publish attempts per side-effect.
	MaxRetries = 3

	// RetryDelay is the pause between consecutive attempts.
	RetryDelay = 500 * time.Millisecond
)

var (
	ErrNotConnected  = errors.New("publisher: not connected")
	ErrClosed        = errors.New("publisher: closed")
	ErrPublishFailed = errors.New("publisher: publish failed after retries")
	ErrInvalidEvent  = errors.New("publisher: event name is required")
	ErrInvalidChan   = errors.New("publisher: channel name is required")
)

// Options configures a Publisher.
type Options struct {
	// DefaultChannel receives side-effects that carry no channel override.
	DefaultChannel string

	// PublishTimeout bounds each publish attempt (default 5s).
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// Publisher publishes side-effects over a backbone connection.
type Publisher struct {
	log            *slog.Logger
	conn           backbone.Conn
	defaultChannel string
	publishTimeout time.Duration

	mu       sync.Mutex
	channels map[string]backbone.Channel
	closed   bool
	closedCh chan struct{}
}

// New wires a publisher over an already constructed backbone connection.
// The connection is not dialed here; call Connect first.
func New(conn backbone.Conn, opts Options) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("publisher: nil backbone conn")
	}
	if opts.DefaultChannel == "" {
		return nil, ErrInvalidChan
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	return &Publisher{
		log:            opts.Logger,
		conn:           conn,
		defaultChannel: opts.DefaultChannel,
		publishTimeout: opts.PublishTimeout,
		channels:       make(map[string]backbone.Channel),
		closedCh:       make(chan struct{}),
	}, nil
}

// Connect establishes the backbone connection.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := p.conn.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Publish sends one side-effect. Channel and event resolve from the effect's
// overrides, falling back to the default channel and the effect type. When the
// effect carries no payload the whole envelope is published.
func (p *Publisher) Publish(ctx context.Context, effect sideeffect.SideEffect) error {
	channel := effect.Channel
	if channel == "" {
		channel = p.defaultChannel
	}

	event := effect.Event
	if event == "" {
		event = string(effect.Type)
	}
	if event == "" {
		return ErrInvalidEvent
	}

	payload := []byte(effect.Payload)
	if len(payload) == 0 {
		encoded, err := json.Marshal(effect)
		if err != nil {
			return fmt.Errorf("publisher: encode side-effect: %w", err)
		}
		payload = encoded
	}

	return p.publishToChannel(ctx, channel, event, payload)
}

// PublishJSON publishes an arbitrary JSON-encodable value on the default
// channel.
func (p *Publisher) PublishJSON(ctx context.Context, event string, value any) error {
	return p.PublishJSONToChannel(ctx, p.defaultChannel, event, value)
}

// PublishJSONToChannel publishes an arbitrary JSON-encodable value on a named
// channel.
func (p *Publisher) PublishJSONToChannel(ctx context.Context, channel, event string, value any) error {
	if channel == "" {
		return ErrInvalidChan
	}
	if event == "" {
		return ErrInvalidEvent
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("publisher: encode payload: %w", err)
	}
	return p.publishToChannel(ctx, channel, event, payload)
}

// PublishRaw publishes pre-encoded bytes on a named channel.
func (p *Publisher) PublishRaw(ctx context.Context, channel, event string, payload []byte) error {
	if channel == "" {
		return ErrInvalidChan
	}
	if event == "" {
		return ErrInvalidEvent
	}
	return p.publishToChannel(ctx, channel, event, payload)
}

// PublishObjectSet writes a keyed object through the backbone's object
// surface. Object writes are single-shot; the backbone REST layer already
// retries transport errors.
func (p *Publisher) PublishObjectSet(ctx context.Context, channel, key string, value []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	if channel == "" {
		return ErrInvalidChan
	}
	if key == "" {
		return errors.New("publisher: object key is required")
	}
	return p.conn.SetObject(ctx, channel, key, value)
}

func (p *Publisher) publishToChannel(ctx context.Context, channel, event string, payload []byte) error {
	if p.isClosed() {
		return ErrClosed
	}

	ch := p.channelFor(channel)

	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		// Each attempt gets its own timeout; one hanging attempt must not
		// consume the budget of the remaining ones.
		attemptCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		lastErr = ch.Publish(attemptCtx, event, payload)
		cancel()
		if lastErr == nil {
			if attempt > 1 {
				p.log.Info("publisher.publish.recovered", "channel", channel, "event", event, "attempt", attempt)
			}
			return nil
		}

		p.log.Warn("publisher.publish.fail",
			"channel", channel, "event", event, "attempt", attempt, "err", lastErr)

		if attempt == MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closedCh:
			return ErrClosed
		case <-time.After(RetryDelay):
		}
	}
	return fmt.Errorf("%w: %v", ErrPublishFailed, lastErr)
}

// channelFor returns a cached channel handle, creating it on first use.
func (p *Publisher) channelFor(name string) backbone.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.channels[name]; ok {
		return ch
	}
	ch := p.conn.Channel(name)
	p.channels[name] = ch
	return ch
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close releases the backbone connection. Idempotent; pending retry waits are
// interrupted.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	p.conn.Close()
}
