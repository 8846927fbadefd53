package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tether/cmd/internal/backbone"
)

type stubChannel struct {
	mu           sync.Mutex
	handler      func(*backbone.Message)
	attached     bool
	detached     bool
	unsubscribed bool
	subscribeErr error
}

func (s *stubChannel) Publish(context.Context, string, []byte) error { return nil }

func (s *stubChannel) Attach(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
	return nil
}

func (s *stubChannel) SubscribeAll(_ context.Context, handler func(*backbone.Message)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.handler = handler
	return func() {
		s.mu.Lock()
		s.unsubscribed = true
		s.mu.Unlock()
	}, nil
}

func (s *stubChannel) Detach(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	return nil
}

func (s *stubChannel) deliver(msg *backbone.Message) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

type stubConn struct {
	channel *stubChannel

	mu     sync.Mutex
	closed bool
}

func (s *stubConn) Connect(context.Context) error { return nil }

func (s *stubConn) Channel(string) backbone.Channel { return s.channel }

func (s *stubConn) SetObject(context.Context, string, string, []byte) error { return nil }

func (s *stubConn) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func newTestConsumer(t *testing.T, event string) (*Consumer, *stubChannel) {
	t.Helper()

	channel := &stubChannel{}
	c, err := New(&stubConn{channel: channel}, Options{
		Channel: "commands",
		Event:   event,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Close)
	return c, channel
}

func TestReceiveDeliversCommand(t *testing.T) {
	t.Parallel()

	c, channel := newTestConsumer(t, "")
	channel.deliver(&backbone.Message{ID: "m-1", Name: "run", Data: `{"cmd":"ls"}`})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if cmd.ID != "m-1" || cmd.Event != "run" || string(cmd.Payload) != `{"cmd":"ls"}` {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestEventFilterDropsOtherEvents(t *testing.T) {
	t.Parallel()

	c, channel := newTestConsumer(t, "run")
	channel.deliver(&backbone.Message{ID: "m-1", Name: "status", Data: "x"})
	channel.deliver(&backbone.Message{ID: "m-2", Name: "run", Data: "y"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if cmd.ID != "m-2" {
		t.Fatalf("filter passed wrong message: %+v", cmd)
	}
}

func TestSecondCommandWaitsForFirstToDrain(t *testing.T) {
	t.Parallel()

	c, channel := newTestConsumer(t, "")
	channel.deliver(&backbone.Message{ID: "m-1", Name: "run", Data: "a"})

	// The queue is full; the second delivery must block until a Receive.
	secondDelivered := make(chan struct{})
	go func() {
		channel.deliver(&backbone.Message{ID: "m-2", Name: "run", Data: "b"})
		close(secondDelivered)
	}()

	select {
	case <-secondDelivered:
		t.Fatal("second command enqueued while first still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Receive(ctx); err != nil {
		t.Fatalf("receive first: %v", err)
	}

	select {
	case <-secondDelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second delivery never unblocked")
	}

	cmd, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive second: %v", err)
	}
	if cmd.ID != "m-2" {
		t.Fatalf("unexpected second command: %+v", cmd)
	}
}

func TestCloseUnblocksPendingDelivery(t *testing.T) {
	t.Parallel()

	c, channel := newTestConsumer(t, "")
	channel.deliver(&backbone.Message{ID: "m-1", Name: "run", Data: "a"})

	blocked := make(chan struct{})
	go func() {
		channel.deliver(&backbone.Message{ID: "m-2", Name: "run", Data: "b"})
		close(blocked)
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("pending delivery not released by Close")
	}

	channel.mu.Lock()
	defer channel.mu.Unlock()
	if !channel.unsubscribed || !channel.detached {
		t.Fatalf("close did not unsubscribe and detach: %+v", channel)
	}
}

func TestDeliveryConcurrentWithClose(t *testing.T) {
	t.Parallel()

	c, channel := newTestConsumer(t, "")

	// Hammer deliveries while Close runs; a delivery that slips past the
	// shutdown signal must park or drop, never panic.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			channel.deliver(&backbone.Message{ID: "m", Name: "run", Data: "x"})
		}
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries did not drain after Close")
	}

	// Anything buffered before shutdown may still drain, then ErrClosed.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := c.Receive(ctx)
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
}

func TestReceiveAfterCloseReturnsErrClosed(t *testing.T) {
	t.Parallel()

	c, _ := newTestConsumer(t, "")
	c.Close()

	_, err := c.Receive(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	t.Parallel()

	c, _ := newTestConsumer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
