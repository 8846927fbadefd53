// Package backbone wraps the pub/sub backbone (Ably) behind small interfaces
// so the publisher and consumer stay testable without a live connection.
//
// Credentials come exclusively from the local token broker; no long-lived
// backbone secret ever lives in this process.
package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ably/ably-go/ably"

	"tether/cmd/internal/broker"
)

// Message is one inbound channel event.
type Message struct {
	ID   string
	Name string
	Data any
}

// Payload normalizes the backbone's data types into raw bytes.
func (m *Message) Payload() ([]byte, error) {
	switch typed := m.Data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return encoded, nil
	}
}

// Channel is one named backbone channel.
type Channel interface {
	Publish(ctx context.Context, event string, payload []byte) error
	Attach(ctx context.Context) error
	SubscribeAll(ctx context.Context, handler func(*Message)) (func(), error)
	Detach(ctx context.Context) error
}

// Conn is an authenticated backbone connection.
type Conn interface {
	// Connect blocks until the backbone reports connected or failed.
	Connect(ctx context.Context) error
	Channel(name string) Channel
	// SetObject writes a keyed JSON object through the backbone's REST
	// object surface.
	SetObject(ctx context.Context, channel, key string, value []byte) error
	Close()
}

// Options configures an Ably-backed connection.
type Options struct {
	// BrokerSocketPath is the unix socket of the local token broker.
	BrokerSocketPath string

	// BrokerToken is this client's proof-of-trust for the broker.
	BrokerToken string

	// Audience scopes the requested credential (e.g. "sidecar_publisher").
	Audience string

	// DeviceID identifies this client on the backbone.
	DeviceID string

	// ObjectSetTimeout bounds one REST object write (default 5s).
	ObjectSetTimeout time.Duration

	Logger *slog.Logger
}

// AblyConn implements Conn over ably-go, credentialed via the token broker.
type AblyConn struct {
	log              *slog.Logger
	client           *ably.Realtime
	rest             *ably.REST
	objectSetTimeout time.Duration
}

var _ Conn = (*AblyConn)(nil)

// NewAblyConn constructs a disconnected backbone conn. Both the realtime and
// REST halves authenticate through the broker callback.
func NewAblyConn(opts Options) (*AblyConn, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ObjectSetTimeout <= 0 {
		opts.ObjectSetTimeout = 5 * time.Second
	}

	authCallback := func(ctx context.Context, _ ably.TokenParams) (ably.Tokener, error) {
		opts.Logger.Debug("backbone.token.request", "audience", opts.Audience)
		details, err := broker.RequestToken(ctx, opts.BrokerSocketPath, opts.BrokerToken, opts.Audience, opts.DeviceID)
		if err != nil {
			return nil, err
		}
		return &ably.TokenDetails{
			Token:      details.Token,
			Expires:    details.Expires,
			ClientID:   details.ClientID,
			Issued:     details.Issued,
			Capability: details.Capability,
		}, nil
	}

	client, err := ably.NewRealtime(
		ably.WithClientID(opts.DeviceID),
		ably.WithAuthCallback(authCallback),
		ably.WithAutoConnect(false),
	)
	if err != nil {
		return nil, err
	}

	rest, err := ably.NewREST(
		ably.WithClientID(opts.DeviceID),
		ably.WithAuthCallback(authCallback),
	)
	if err != nil {
		return nil, err
	}

	return &AblyConn{
		log:              opts.Logger,
		client:           client,
		rest:             rest,
		objectSetTimeout: opts.ObjectSetTimeout,
	}, nil
}

// Connect starts the realtime connection and blocks until it settles.
func (c *AblyConn) Connect(ctx context.Context) error {
	c.client.Connect()

	connected := make(chan struct{})
	var connErr error

	c.client.Connection.OnAll(func(change ably.ConnectionStateChange) {
		c.log.Debug("backbone.conn.state", "previous", change.Previous, "current", change.Current)

		switch change.Current {
		case ably.ConnectionStateConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case ably.ConnectionStateFailed:
			connErr = change.Reason
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connected:
		if connErr != nil {
			return connErr
		}
	}

	c.log.Info("backbone.connected", "connection_id", c.client.Connection.ID())
	return nil
}

// Channel returns a handle for the named channel.
func (c *AblyConn) Channel(name string) Channel {
	return &ablyChannel{ch: c.client.Channels.Get(name)}
}

// SetObject performs a keyed object write on the REST surface.
func (c *AblyConn) SetObject(ctx context.Context, channel, key string, value []byte) error {
	if channel == "" {
		return errors.New("backbone: channel is required")
	}
	if key == "" {
		return errors.New("backbone: key is required")
	}

	var decodedValue any
	if len(value) > 0 {
		if err := json.Unmarshal(value, &decodedValue); err != nil {
			return fmt.Errorf("backbone: object value must be valid JSON: %w", err)
		}
	}

	reqCtx := ctx
	if _, ok := reqCtx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, c.objectSetTimeout)
		defer cancel()
	}

	path := fmt.Sprintf("/channels/%s/object", url.PathEscape(channel))
	body := map[string]any{
		"name":  key,
		"op":    "set",
		"value": decodedValue,
	}

	response, err := c.rest.Request("POST", path, ably.RequestWithBody(body)).Pages(reqCtx)
	if err != nil {
		return fmt.Errorf("backbone: object set request failed: %w", err)
	}
	if !response.Success() {
		message := response.ErrorMessage()
		if message == "" {
			message = "object set request failed"
		}
		return fmt.Errorf("backbone: object set: status=%d code=%d message=%s",
			response.StatusCode(), response.ErrorCode(), message)
	}
	return nil
}

// Close releases the realtime connection.
func (c *AblyConn) Close() {
	c.client.Close()
}

// IsConnected reports whether the realtime connection is up.
func (c *AblyConn) IsConnected() bool {
	return c.client.Connection.State() == ably.ConnectionStateConnected
}

type ablyChannel struct {
	ch *ably.RealtimeChannel
}

func (a *ablyChannel) Publish(ctx context.Context, event string, payload []byte) error {
	return a.ch.Publish(ctx, event, payload)
}

func (a *ablyChannel) Attach(ctx context.Context) error {
	return a.ch.Attach(ctx)
}

func (a *ablyChannel) SubscribeAll(ctx context.Context, handler func(*Message)) (func(), error) {
	return a.ch.SubscribeAll(ctx, func(msg *ably.Message) {
		handler(&Message{ID: msg.ID, Name: msg.Name, Data: msg.Data})
	})
}

func (a *ablyChannel) Detach(ctx context.Context) error {
	return a.ch.Detach(ctx)
}
