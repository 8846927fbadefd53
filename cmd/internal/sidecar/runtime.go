package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tether/cmd/internal/backbone"
	"tether/cmd/internal/ipc"
	"tether/cmd/internal/publisher"
)

const presenceStatusOnline = "online"
const presenceStatusOffline = "offline"

// presencePayload is the periodic heartbeat body other devices consume.
type presencePayload struct {
	SchemaVersion int    `json:"schema_version"`
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	SentAtMS      int64  `json:"sent_at_ms"`
}

type subscription struct {
	key     string
	channel string
	event   string
	unsub   func()
}

// Runtime owns the sidecar's two backbone connections and serves the IPC
// protocol over them. The publisher connection carries outbound side-effects
// with retries; the consumer connection carries subscriptions and confirmed
// publishes.
type Runtime struct {
	log *slog.Logger
	cfg *Config

	pub     *publisher.Publisher
	subConn backbone.Conn
	server  *ipc.Server

	mu            sync.Mutex
	subs          map[string]*subscription
	closed        bool
	started       bool
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

var _ ipc.Manager = (*Runtime)(nil)

// NewRuntime wires a runtime from config. Nothing connects until Start.
func NewRuntime(cfg *Config, log *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sidecar: config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	pubConn, err := backbone.NewAblyConn(backbone.Options{
		BrokerSocketPath: cfg.BrokerSocketPath,
		BrokerToken:      cfg.BrokerPubToken,
		Audience:         AudiencePublisher,
		DeviceID:         cfg.DeviceID,
		Logger:           log.With("conn", "publisher"),
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar: publisher conn: %w", err)
	}

	subConn, err := backbone.NewAblyConn(backbone.Options{
		BrokerSocketPath: cfg.BrokerSocketPath,
		BrokerToken:      cfg.BrokerConToken,
		Audience:         AudienceConsumer,
		DeviceID:         cfg.DeviceID,
		Logger:           log.With("conn", "consumer"),
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar: consumer conn: %w", err)
	}

	return newRuntimeWithConns(cfg, log, pubConn, subConn)
}

func newRuntimeWithConns(cfg *Config, log *slog.Logger, pubConn, subConn backbone.Conn) (*Runtime, error) {
	pub, err := publisher.New(pubConn, publisher.Options{
		DefaultChannel: cfg.SyncChannel,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar: publisher: %w", err)
	}

	r := &Runtime{
		log:           log,
		cfg:           cfg,
		pub:           pub,
		subConn:       subConn,
		subs:          make(map[string]*subscription),
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	r.server = ipc.NewServer(cfg.SocketPath, cfg.MaxFrameBytes, r, log)
	return r, nil
}

// Start connects both backbone halves, begins serving IPC, and starts the
// presence heartbeat.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.pub.Connect(ctx); err != nil {
		return fmt.Errorf("sidecar: connect publisher: %w", err)
	}
	if err := r.subConn.Connect(ctx); err != nil {
		return fmt.Errorf("sidecar: connect consumer: %w", err)
	}
	if err := r.server.Start(ctx); err != nil {
		return err
	}

	if err := r.publishPresence(ctx, presenceStatusOnline); err != nil {
		r.log.Warn("sidecar.presence.initial.fail", "err", err)
	}

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go r.heartbeatLoop()

	r.log.Info("sidecar.started",
		"device_id", r.cfg.DeviceID, "socket", r.cfg.SocketPath, "sync_channel", r.cfg.SyncChannel)
	return nil
}

// Close announces offline presence, stops the IPC server, and tears down
// both backbone connections.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	close(r.heartbeatStop)
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	if started {
		<-r.heartbeatDone
	}

	offlineCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	if err := r.publishPresence(offlineCtx, presenceStatusOffline); err != nil {
		r.log.Warn("sidecar.presence.offline.fail", "err", err)
	}
	cancel()

	_ = r.server.Close()

	for _, sub := range subs {
		if sub.unsub != nil {
			sub.unsub()
		}
	}

	r.pub.Close()
	r.subConn.Close()
	return nil
}

// Publish sends best-effort with the publisher's bounded retries.
func (r *Runtime) Publish(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error {
	ctx, cancel := boundCtx(ctx, timeout)
	defer cancel()
	return r.pub.PublishRaw(ctx, channel, event, payload)
}

// PublishAck publishes on the consumer connection, which blocks until the
// backbone confirms acceptance. No local retries.
func (r *Runtime) PublishAck(ctx context.Context, channel, event string, payload []byte, timeout time.Duration) error {
	if channel == "" {
		return errors.New("sidecar: channel is required")
	}
	if event == "" {
		return errors.New("sidecar: event is required")
	}
	if timeout <= 0 {
		timeout = publisher.DefaultPublishTimeout
	}
	ctx, cancel := boundCtx(ctx, timeout)
	defer cancel()
	return r.subConn.Channel(channel).Publish(ctx, event, payload)
}

// ObjectSet writes a keyed object through the publisher connection.
func (r *Runtime) ObjectSet(ctx context.Context, channel, key string, value []byte, timeout time.Duration) error {
	ctx, cancel := boundCtx(ctx, timeout)
	defer cancel()
	return r.pub.PublishObjectSet(ctx, channel, key, value)
}

// Subscribe attaches the channel on the consumer connection and forwards
// matching messages to the callback. Re-subscribing under the same key
// replaces the previous binding.
func (r *Runtime) Subscribe(ctx context.Context, subscriptionKey, channel, event string, onMessage func(*ipc.InboundMessage)) error {
	if subscriptionKey == "" {
		return errors.New("sidecar: subscription key is required")
	}
	if channel == "" {
		return errors.New("sidecar: subscription channel is required")
	}
	if onMessage == nil {
		return errors.New("sidecar: subscription callback is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("sidecar: closed")
	}
	if existing := r.subs[subscriptionKey]; existing != nil && existing.unsub != nil {
		existing.unsub()
	}
	sub := &subscription{key: subscriptionKey, channel: channel, event: event}
	r.subs[subscriptionKey] = sub
	r.mu.Unlock()

	attachCtx, cancel := boundCtx(ctx, publisher.DefaultPublishTimeout)
	defer cancel()

	ch := r.subConn.Channel(channel)
	if err := ch.Attach(attachCtx); err != nil {
		r.dropSubscription(subscriptionKey)
		return fmt.Errorf("sidecar: attach %s: %w", channel, err)
	}

	handler := func(msg *backbone.Message) {
		if event != "" && msg.Name != event {
			return
		}
		payload, err := msg.Payload()
		if err != nil {
			r.log.Warn("sidecar.subscription.payload.fail",
				"subscription_key", subscriptionKey, "channel", channel, "err", err)
			return
		}
		onMessage(&ipc.InboundMessage{
			MessageID:    msg.ID,
			Channel:      channel,
			Event:        msg.Name,
			Payload:      payload,
			ReceivedAtMS: time.Now().UnixMilli(),
		})
	}

	unsub, err := ch.SubscribeAll(attachCtx, handler)
	if err != nil {
		r.dropSubscription(subscriptionKey)
		return fmt.Errorf("sidecar: subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.subs[subscriptionKey]
	if current == nil {
		// Unsubscribed while attaching.
		unsub()
		return nil
	}
	if current.unsub != nil {
		current.unsub()
	}
	current.unsub = unsub
	return nil
}

// Unsubscribe removes a subscription binding. Unknown keys are ignored.
func (r *Runtime) Unsubscribe(subscriptionKey string) {
	if subscriptionKey == "" {
		return
	}
	r.dropSubscription(subscriptionKey)
}

func (r *Runtime) dropSubscription(subscriptionKey string) {
	r.mu.Lock()
	sub := r.subs[subscriptionKey]
	delete(r.subs, subscriptionKey)
	r.mu.Unlock()

	if sub != nil && sub.unsub != nil {
		sub.unsub()
	}
}

func (r *Runtime) heartbeatLoop() {
	defer close(r.heartbeatDone)

	ticker := time.NewTicker(r.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.heartbeatStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), publisher.DefaultPublishTimeout)
			if err := r.publishPresence(ctx, presenceStatusOnline); err != nil {
				r.log.Warn("sidecar.presence.fail", "err", err)
			}
			cancel()
		}
	}
}

// publishPresence pushes the heartbeat event and mirrors the status into the
// presence channel's keyed object so late joiners see it without replay.
func (r *Runtime) publishPresence(ctx context.Context, status string) error {
	payload, err := json.Marshal(presencePayload{
		SchemaVersion: 1,
		UserID:        r.cfg.UserID,
		DeviceID:      r.cfg.DeviceID,
		Status:        status,
		SentAtMS:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	if err := r.pub.PublishRaw(ctx, r.cfg.PresenceChannel, r.cfg.PresenceEvent, payload); err != nil {
		return err
	}
	if err := r.pub.PublishObjectSet(ctx, r.cfg.PresenceChannel, r.cfg.DeviceID, payload); err != nil {
		r.log.Warn("sidecar.presence.object.fail", "err", err)
	}
	return nil
}

func boundCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
