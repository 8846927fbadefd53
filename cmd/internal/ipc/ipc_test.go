package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type publishedFrame struct {
	channel   string
	event     string
	payload   []byte
	confirmed bool
}

type fakeManager struct {
	mu           sync.Mutex
	publishes    []publishedFrame
	objects      map[string][]byte
	handlers     map[string]func(*InboundMessage)
	unsubscribed []string
	publishErr   error
	subscribeErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		objects:  make(map[string][]byte),
		handlers: make(map[string]func(*InboundMessage)),
	}
}

func (f *fakeManager) Publish(_ context.Context, channel, event string, payload []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, publishedFrame{channel, event, payload, false})
	return f.publishErr
}

func (f *fakeManager) PublishAck(_ context.Context, channel, event string, payload []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, publishedFrame{channel, event, payload, true})
	return f.publishErr
}

func (f *fakeManager) ObjectSet(_ context.Context, channel, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[channel+"/"+key] = value
	return nil
}

func (f *fakeManager) Subscribe(_ context.Context, subscriptionKey, _, _ string, onMessage func(*InboundMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[subscriptionKey] = onMessage
	return nil
}

func (f *fakeManager) Unsubscribe(subscriptionKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, subscriptionKey)
	delete(f.handlers, subscriptionKey)
}

func (f *fakeManager) deliver(msg *InboundMessage) {
	f.mu.Lock()
	handlers := make([]func(*InboundMessage), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func startTestDaemon(t *testing.T, manager Manager) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "sidecar.sock")
	srv := NewServer(socketPath, 0, manager, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func newTestClient(t *testing.T, socketPath string) *Client {
	t.Helper()

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func TestPublishRoundtrip(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Publish(ctx, "device-sync", "session_created", []byte(`{"id":"s-1"}`), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if len(manager.publishes) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(manager.publishes))
	}
	got := manager.publishes[0]
	if got.channel != "device-sync" || got.event != "session_created" || got.confirmed {
		t.Fatalf("unexpected publish: %+v", got)
	}
	if string(got.payload) != `{"id":"s-1"}` {
		t.Fatalf("payload corrupted in transit: %s", got.payload)
	}
}

func TestPublishAckRoutesToConfirmedPath(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.PublishAck(ctx, "device-sync", "message_appended", []byte("x"), 0); err != nil {
		t.Fatalf("publish ack: %v", err)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if len(manager.publishes) != 1 || !manager.publishes[0].confirmed {
		t.Fatalf("expected confirmed publish, got %+v", manager.publishes)
	}
}

func TestPublishErrorSurfacesInAck(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	manager.publishErr = errors.New("backbone unavailable")
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Publish(ctx, "device-sync", "session_created", nil, 0)
	if err == nil || !strings.Contains(err.Error(), "backbone unavailable") {
		t.Fatalf("expected backbone error in ack, got %v", err)
	}
}

func TestObjectSetRoundtrip(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.ObjectSet(ctx, "device-state", "dev-a", []byte(`{"status":"idle"}`), 0); err != nil {
		t.Fatalf("object set: %v", err)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if string(manager.objects["device-state/dev-a"]) != `{"status":"idle"}` {
		t.Fatalf("object not stored: %+v", manager.objects)
	}
}

func TestSubscribeDeliversMessages(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := Subscription{SubscriptionID: "sub-1", Channel: "commands", Event: "run"}
	if err := client.Subscribe(ctx, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	manager.deliver(&InboundMessage{
		MessageID:    "m-1",
		Channel:      "commands",
		Event:        "run",
		Payload:      []byte(`{"cmd":"status"}`),
		ReceivedAtMS: 1700000000000,
	})

	select {
	case msg := <-client.Messages():
		if msg.SubscriptionID != "sub-1" || msg.MessageID != "m-1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if string(msg.Payload) != `{"cmd":"status"}` {
			t.Fatalf("payload corrupted in transit: %s", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription message never arrived")
	}
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Subscribe(ctx, Subscription{SubscriptionID: "sub-1", Channel: "commands"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		manager.mu.Lock()
		cleaned := len(manager.unsubscribed) == 1
		manager.mu.Unlock()
		if cleaned {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never unsubscribed after client disconnect")
}

func TestMissingRequestFieldsRejected(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	client := newTestClient(t, startTestDaemon(t, manager))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Publish(ctx, "device-sync", "", nil, 0)
	if err == nil {
		t.Fatal("expected rejection for missing event")
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if len(manager.publishes) != 0 {
		t.Fatalf("invalid request reached the manager: %+v", manager.publishes)
	}
}

func TestServerIgnoresMalformedFrames(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	socketPath := startTestDaemon(t, manager)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Garbage, then a valid request on the same connection.
	if _, err := conn.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	request, _ := json.Marshal(publishRequest{
		Op: OpPublish, RequestID: "r-1", Channel: "c", Event: "e",
	})
	if _, err := conn.Write(append(request, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	decoder := json.NewDecoder(conn)
	var ack requestAck
	if err := decoder.Decode(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.RequestID != "r-1" || !ack.OK {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestClientReconnectsAndReplaysSubscriptions(t *testing.T) {
	t.Parallel()

	manager := newFakeManager()
	socketPath := startTestDaemon(t, manager)

	dialCount := 0
	var dialMu sync.Mutex
	dialFn := func(ctx context.Context) (net.Conn, error) {
		dialMu.Lock()
		dialCount++
		dialMu.Unlock()
		dialer := net.Dialer{}
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	client, err := newClientWithDial(socketPath, dialFn, 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Subscribe(ctx, Subscription{SubscriptionID: "sub-1", Channel: "commands"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Kill the live connection server-side by closing the client's conn.
	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()
	_ = conn.Close()

	// The client reconnects and replays the subscription: the manager sees
	// a second Subscribe call under a fresh connection key.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		manager.mu.Lock()
		replayed := len(manager.handlers) >= 1 && len(manager.unsubscribed) >= 1
		manager.mu.Unlock()
		dialMu.Lock()
		redialed := dialCount >= 2
		dialMu.Unlock()
		if replayed && redialed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client did not reconnect and replay subscription")
}
