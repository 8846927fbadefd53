package relay

import (
	"encoding/json"
	"testing"
	"time"

	v1 "tether/contracts/relay/v1"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestRouter(t *testing.T) (*Router, *Registry) {
	t.Helper()

	log := testLogger(t)
	registry := NewRegistry(log)
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewRouter(log, registry, metrics), registry
}

func mustAuthedConn(t *testing.T, deviceID string) *Conn {
	t.Helper()

	c := NewConn("conn-"+deviceID, 8)
	c.SetAuth(AuthContext{DeviceID: deviceID, Role: RoleParticipant})
	return c
}

func mustEnvelope(t *testing.T, sessionID, senderID string) ([]byte, v1.Frame) {
	t.Helper()

	frame := v1.SessionEnvelope(sessionID, senderID, json.RawMessage(`"b2s="`), time.Now().UTC())
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw, frame
}

func mustReceiveFrame(t *testing.T, c *Conn) v1.Frame {
	t.Helper()

	select {
	case b := <-c.Send:
		var f v1.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("unmarshal queued frame: %v", err)
		}
		return f
	default:
		t.Fatalf("expected a queued frame")
		return v1.Frame{}
	}
}

func mustReceiveRaw(t *testing.T, c *Conn) []byte {
	t.Helper()

	select {
	case b := <-c.Send:
		return b
	default:
		t.Fatalf("expected a queued frame")
		return nil
	}
}

func mustBeEmpty(t *testing.T, c *Conn) {
	t.Helper()

	select {
	case b := <-c.Send:
		t.Fatalf("unexpected queued frame: %s", b)
	default:
	}
}

func TestRouter_RejectsUnauthenticatedSender(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	sender := NewConn("conn-anon", 8)
	raw, frame := mustEnvelope(t, "sess-1", "dev-a")

	router.Route(sender, raw, frame)

	got := mustReceiveFrame(t, sender)
	if got.Type != v1.TypeError || got.Code != v1.CodeNotAuthenticated {
		t.Fatalf("expected ERROR/NOT_AUTHENTICATED, got %s/%s", got.Type, got.Code)
	}
}

func TestRouter_RejectsSenderMismatch(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(t)

	sender := mustAuthedConn(t, "dev-a")
	registry.Subscribe("sess-1", sender)

	raw, frame := mustEnvelope(t, "sess-1", "dev-spoofed")
	router.Route(sender, raw, frame)

	got := mustReceiveFrame(t, sender)
	if got.Type != v1.TypeError || got.Code != v1.CodeSenderMismatch {
		t.Fatalf("expected ERROR/SENDER_MISMATCH, got %s/%s", got.Type, got.Code)
	}
}

func TestRouter_UnknownSessionReportsSessionNotFound(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	sender := mustAuthedConn(t, "dev-a")
	raw, frame := mustEnvelope(t, "sess-missing", "dev-a")

	router.Route(sender, raw, frame)

	got := mustReceiveFrame(t, sender)
	if got.Type != v1.TypeDeliveryFailed || got.Code != v1.CodeSessionNotFound {
		t.Fatalf("expected DELIVERY_FAILED/SESSION_NOT_FOUND, got %s/%s", got.Type, got.Code)
	}
	if got.SessionID != "sess-missing" {
		t.Fatalf("expected sessionId=sess-missing, got %q", got.SessionID)
	}
}

func TestRouter_NonMemberSenderRejected(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(t)

	member := mustAuthedConn(t, "dev-b")
	registry.Subscribe("sess-1", member)

	outsider := mustAuthedConn(t, "dev-a")
	raw, frame := mustEnvelope(t, "sess-1", "dev-a")

	router.Route(outsider, raw, frame)

	got := mustReceiveFrame(t, outsider)
	if got.Type != v1.TypeError || got.Code != v1.CodeNotInSession {
		t.Fatalf("expected ERROR/NOT_IN_SESSION, got %s/%s", got.Type, got.Code)
	}
	mustBeEmpty(t, member)
}

func TestRouter_BroadcastsRawBytesToOtherMembers(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(t)

	a := mustAuthedConn(t, "dev-a")
	b := mustAuthedConn(t, "dev-b")
	c := mustAuthedConn(t, "dev-c")
	registry.Subscribe("sess-1", a)
	registry.Subscribe("sess-1", b)
	registry.Subscribe("sess-1", c)

	raw, frame := mustEnvelope(t, "sess-1", "dev-a")
	router.Route(a, raw, frame)

	for _, peer := range []*Conn{b, c} {
		got := mustReceiveRaw(t, peer)
		if string(got) != string(raw) {
			t.Fatalf("expected verbatim bytes, got %s", got)
		}
	}

	// Sender gets no echo and no failure notice.
	mustBeEmpty(t, a)
}

func TestRouter_SoleMemberGetsNoError(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(t)

	a := mustAuthedConn(t, "dev-a")
	registry.Subscribe("sess-1", a)

	raw, frame := mustEnvelope(t, "sess-1", "dev-a")
	router.Route(a, raw, frame)

	mustBeEmpty(t, a)
}

func TestRouter_AllRecipientsSaturatedReportsDeviceOffline(t *testing.T) {
	t.Parallel()

	router, registry := newTestRouter(t)

	a := mustAuthedConn(t, "dev-a")
	b := mustAuthedConn(t, "dev-b")
	registry.Subscribe("sess-1", a)
	registry.Subscribe("sess-1", b)

	// Saturate b's queue so delivery drops.
	for b.TryEnqueue([]byte(`{}`)) {
	}

	raw, frame := mustEnvelope(t, "sess-1", "dev-a")
	router.Route(a, raw, frame)

	got := mustReceiveFrame(t, a)
	if got.Type != v1.TypeDeliveryFailed || got.Code != v1.CodeDeviceOffline {
		t.Fatalf("expected DELIVERY_FAILED/DEVICE_OFFLINE, got %s/%s", got.Type, got.Code)
	}
}
