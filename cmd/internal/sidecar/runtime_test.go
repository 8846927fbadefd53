package sidecar

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tether/cmd/internal/backbone"
	"tether/cmd/internal/ipc"
)

type recordedPublish struct {
	channel string
	event   string
	payload []byte
}

type fakeChannel struct {
	name string
	conn *fakeConn

	mu      sync.Mutex
	handler func(*backbone.Message)
}

func (f *fakeChannel) Publish(_ context.Context, event string, payload []byte) error {
	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	f.conn.publishes = append(f.conn.publishes, recordedPublish{f.name, event, payload})
	return nil
}

func (f *fakeChannel) Attach(context.Context) error { return nil }

func (f *fakeChannel) SubscribeAll(_ context.Context, handler func(*backbone.Message)) (func(), error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	f.conn.mu.Lock()
	f.conn.subscribes++
	f.conn.mu.Unlock()
	return func() {
		f.conn.mu.Lock()
		f.conn.unsubscribes++
		f.conn.mu.Unlock()
	}, nil
}

func (f *fakeChannel) Detach(context.Context) error { return nil }

func (f *fakeChannel) deliver(msg *backbone.Message) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

type fakeConn struct {
	mu           sync.Mutex
	channels     map[string]*fakeChannel
	publishes    []recordedPublish
	objects      map[string][]byte
	subscribes   int
	unsubscribes int
	closed       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		channels: make(map[string]*fakeChannel),
		objects:  make(map[string][]byte),
	}
}

func (f *fakeConn) Connect(context.Context) error { return nil }

func (f *fakeConn) Channel(name string) backbone.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[name]; ok {
		return ch
	}
	ch := &fakeChannel{name: name, conn: f}
	f.channels[name] = ch
	return ch
}

func (f *fakeConn) SetObject(_ context.Context, channel, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[channel+"/"+key] = value
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) published() []recordedPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedPublish, len(f.publishes))
	copy(out, f.publishes)
	return out
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DeviceID:         "dev-a",
		UserID:           "user-1",
		SocketPath:       filepath.Join(t.TempDir(), "sidecar.sock"),
		PresenceInterval: time.Hour,
		ShutdownTimeout:  time.Second,
		SyncChannel:      "device-sync",
		PresenceChannel:  "presence:user-1",
		PresenceEvent:    "presence_updated",
	}
}

func startTestRuntime(t *testing.T) (*Runtime, *fakeConn, *fakeConn) {
	t.Helper()

	pubConn := newFakeConn()
	subConn := newFakeConn()
	rt, err := newRuntimeWithConns(testConfig(t), slog.New(slog.NewJSONHandler(io.Discard, nil)), pubConn, subConn)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt, pubConn, subConn
}

func TestStartAnnouncesOnlinePresence(t *testing.T) {
	t.Parallel()

	_, pubConn, _ := startTestRuntime(t)

	published := pubConn.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 presence publish, got %d", len(published))
	}
	got := published[0]
	if got.channel != "presence:user-1" || got.event != "presence_updated" {
		t.Fatalf("unexpected presence publish: %+v", got)
	}

	var payload presencePayload
	if err := json.Unmarshal(got.payload, &payload); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if payload.DeviceID != "dev-a" || payload.Status != presenceStatusOnline {
		t.Fatalf("unexpected presence payload: %+v", payload)
	}

	pubConn.mu.Lock()
	defer pubConn.mu.Unlock()
	if _, ok := pubConn.objects["presence:user-1/dev-a"]; !ok {
		t.Fatal("presence status not mirrored into keyed object")
	}
}

func TestCloseAnnouncesOfflinePresence(t *testing.T) {
	t.Parallel()

	rt, pubConn, subConn := startTestRuntime(t)
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	published := pubConn.published()
	last := published[len(published)-1]
	var payload presencePayload
	if err := json.Unmarshal(last.payload, &payload); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if payload.Status != presenceStatusOffline {
		t.Fatalf("expected offline presence on close, got %+v", payload)
	}

	pubConn.mu.Lock()
	pubClosed := pubConn.closed
	pubConn.mu.Unlock()
	subConn.mu.Lock()
	subClosed := subConn.closed
	subConn.mu.Unlock()
	if !pubClosed || !subClosed {
		t.Fatal("backbone connections not released on close")
	}
}

func TestPublishUsesPublisherConnection(t *testing.T) {
	t.Parallel()

	rt, pubConn, subConn := startTestRuntime(t)

	if err := rt.Publish(context.Background(), "device-sync", "session_created", []byte("x"), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(subConn.published()); got != 0 {
		t.Fatalf("best-effort publish leaked onto consumer connection: %d", got)
	}
	published := pubConn.published()
	last := published[len(published)-1]
	if last.channel != "device-sync" || last.event != "session_created" {
		t.Fatalf("unexpected publish: %+v", last)
	}
}

func TestPublishAckUsesConsumerConnection(t *testing.T) {
	t.Parallel()

	rt, _, subConn := startTestRuntime(t)

	if err := rt.PublishAck(context.Background(), "device-sync", "message_appended", []byte("y"), 0); err != nil {
		t.Fatalf("publish ack: %v", err)
	}

	published := subConn.published()
	if len(published) != 1 || published[0].event != "message_appended" {
		t.Fatalf("confirmed publish missing on consumer connection: %+v", published)
	}
}

func TestSubscribeFiltersAndForwards(t *testing.T) {
	t.Parallel()

	rt, _, subConn := startTestRuntime(t)

	var mu sync.Mutex
	var received []*ipc.InboundMessage
	err := rt.Subscribe(context.Background(), "conn-1:sub-1", "commands", "run", func(msg *ipc.InboundMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ch := subConn.Channel("commands").(*fakeChannel)
	ch.deliver(&backbone.Message{ID: "m-1", Name: "status", Data: "ignored"})
	ch.deliver(&backbone.Message{ID: "m-2", Name: "run", Data: `{"cmd":"ls"}`})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 forwarded message, got %d", len(received))
	}
	if received[0].MessageID != "m-2" || string(received[0].Payload) != `{"cmd":"ls"}` {
		t.Fatalf("unexpected forwarded message: %+v", received[0])
	}
}

func TestResubscribeReplacesBinding(t *testing.T) {
	t.Parallel()

	rt, _, subConn := startTestRuntime(t)

	noop := func(*ipc.InboundMessage) {}
	if err := rt.Subscribe(context.Background(), "conn-1:sub-1", "commands", "", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := rt.Subscribe(context.Background(), "conn-1:sub-1", "commands", "run", noop); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	subConn.mu.Lock()
	defer subConn.mu.Unlock()
	if subConn.subscribes != 2 || subConn.unsubscribes != 1 {
		t.Fatalf("expected old binding released: subscribes=%d unsubscribes=%d",
			subConn.subscribes, subConn.unsubscribes)
	}
}

func TestUnsubscribeReleasesBinding(t *testing.T) {
	t.Parallel()

	rt, _, subConn := startTestRuntime(t)

	if err := rt.Subscribe(context.Background(), "conn-1:sub-1", "commands", "", func(*ipc.InboundMessage) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rt.Unsubscribe("conn-1:sub-1")
	rt.Unsubscribe("conn-1:sub-unknown")

	subConn.mu.Lock()
	defer subConn.mu.Unlock()
	if subConn.unsubscribes != 1 {
		t.Fatalf("expected 1 unsubscribe, got %d", subConn.unsubscribes)
	}
}
