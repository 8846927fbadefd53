// Package courier drives the remote command loop: receive one command from
// the backbone, hand it to the local handler, publish an ack with the
// handler's decision. Commands are processed strictly one at a time and
// payloads are never inspected.
package courier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tether/cmd/internal/backbone"
	"tether/cmd/internal/consumer"
)

const (
	// DefaultCommandEvent is the backbone event name commands arrive on.
	DefaultCommandEvent = "remote.command.v1"

	// CommandAckEvent is published back on the same channel after handling.
	CommandAckEvent = "remote.command.ack.v1"

	// DefaultHandlerTimeout bounds one handler round trip. On timeout the
	// command is acked fail-open so the loop never wedges on a dead handler.
	DefaultHandlerTimeout = 15 * time.Second

	// handlerErrorDelay spaces retries after a handler transport failure.
	handlerErrorDelay = 100 * time.Millisecond
)

// Ack statuses carried by command acks.
const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
	AckStatusTimeout  = "timeout"
)

type commandAckPayload struct {
	SchemaVersion int    `json:"schema_version"`
	CommandID     string `json:"command_id"`
	Status        string `json:"status"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	ResultB64     string `json:"result_b64,omitempty"`
}

// Options configures a Courier.
type Options struct {
	// Channel is the device-scoped command channel.
	Channel string

	// Event filters inbound commands. Defaults to DefaultCommandEvent.
	Event string

	// HandlerTimeout bounds each handler call. Defaults to DefaultHandlerTimeout.
	HandlerTimeout time.Duration

	Logger *slog.Logger
}

// Courier owns the consume/handle/ack loop over one backbone connection.
type Courier struct {
	log     *slog.Logger
	cons    *consumer.Consumer
	acks    backbone.Channel
	handler Handler
	timeout time.Duration
}

// New wires a courier over an already constructed backbone connection.
func New(conn backbone.Conn, handler Handler, opts Options) (*Courier, error) {
	if handler == nil {
		return nil, errors.New("courier: nil handler")
	}
	if opts.Channel == "" {
		return nil, errors.New("courier: channel is required")
	}
	if opts.Event == "" {
		opts.Event = DefaultCommandEvent
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cons, err := consumer.New(conn, consumer.Options{
		Channel: opts.Channel,
		Event:   opts.Event,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("courier: %w", err)
	}

	return &Courier{
		log:     opts.Logger,
		cons:    cons,
		acks:    conn.Channel(opts.Channel),
		handler: handler,
		timeout: opts.HandlerTimeout,
	}, nil
}

// Run starts the consumer and processes commands until ctx ends. Returns nil
// on graceful shutdown.
func (c *Courier) Run(ctx context.Context) error {
	if err := c.cons.Start(ctx); err != nil {
		return err
	}
	defer c.cons.Close()

	c.log.Info("courier.started")

	for {
		cmd, err := c.cons.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.Info("courier.stopping")
				return nil
			}
			if errors.Is(err, consumer.ErrClosed) {
				return nil
			}
			return err
		}

		if err := c.process(ctx, cmd); err != nil {
			c.log.Error("courier.command.fail", "message_id", cmd.ID, "err", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(handlerErrorDelay):
			}
		}
	}
}

// process hands one command to the handler and publishes the resulting ack.
// A handler transport error is returned without an ack: the backbone may
// redeliver. A handler timeout acks fail-open with status "timeout".
func (c *Courier) process(ctx context.Context, cmd consumer.Command) error {
	c.log.Debug("courier.command.recv", "message_id", cmd.ID, "payload_len", len(cmd.Payload))

	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	res, err := c.handler.Handle(hctx, cmd.Payload)
	cancel()

	if err != nil {
		if errors.Is(err, ErrHandlerTimeout) || errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn("courier.handler.timeout", "message_id", cmd.ID, "timeout", c.timeout)
			c.publishAck(ctx, res.CommandID, cmd.ID, AckStatusTimeout, nil)
			return nil
		}
		return fmt.Errorf("handler: %w", err)
	}

	status := AckStatusRejected
	if res.Accepted {
		status = AckStatusAccepted
	}
	c.log.Info("courier.command.done", "message_id", cmd.ID, "command_id", res.CommandID, "status", status)
	c.publishAck(ctx, res.CommandID, cmd.ID, status, res.Result)
	return nil
}

func (c *Courier) publishAck(ctx context.Context, commandID, messageID, status string, result []byte) {
	if commandID == "" {
		c.log.Warn("courier.ack.skip", "message_id", messageID, "status", status)
		return
	}

	payload := commandAckPayload{
		SchemaVersion: 1,
		CommandID:     commandID,
		Status:        status,
		CreatedAtMS:   time.Now().UnixMilli(),
	}
	if len(result) > 0 {
		payload.ResultB64 = base64.StdEncoding.EncodeToString(result)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("courier.ack.encode.fail", "command_id", commandID, "err", err)
		return
	}

	if err := c.acks.Publish(ctx, CommandAckEvent, encoded); err != nil {
		c.log.Warn("courier.ack.publish.fail", "command_id", commandID, "status", status, "err", err)
	}
}
