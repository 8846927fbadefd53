package relay

import "testing"

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(t))
	conn := mustAuthedConn(t, "dev-a")

	if !registry.Subscribe("sess-1", conn) {
		t.Fatalf("expected first subscribe to be new")
	}
	if registry.Subscribe("sess-1", conn) {
		t.Fatalf("expected second subscribe to be a no-op")
	}

	if got := len(registry.Members("sess-1")); got != 1 {
		t.Fatalf("expected 1 member, got %d", got)
	}
}

func TestRegistry_SubscribeRequiresAuthenticatedConn(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(t))
	conn := NewConn("conn-anon", 8)

	if registry.Subscribe("sess-1", conn) {
		t.Fatalf("expected subscribe without device id to fail")
	}
	if registry.Members("sess-1") != nil {
		t.Fatalf("expected empty membership")
	}
}

func TestRegistry_UnsubscribeRemovesEmptySessions(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(t))
	conn := mustAuthedConn(t, "dev-a")
	registry.Subscribe("sess-1", conn)

	registry.Unsubscribe("sess-1", "dev-a")

	if registry.IsMember("sess-1", "dev-a") {
		t.Fatalf("expected membership removed")
	}
	if registry.Members("sess-1") != nil {
		t.Fatalf("expected session gone after last member left")
	}
}

func TestRegistry_DropReturnsAffectedSessions(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(t))
	conn := mustAuthedConn(t, "dev-a")
	other := mustAuthedConn(t, "dev-b")

	registry.Subscribe("sess-1", conn)
	registry.Subscribe("sess-2", conn)
	registry.Subscribe("sess-2", other)

	affected := registry.Drop(conn)
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected sessions, got %v", affected)
	}

	if registry.IsMember("sess-1", "dev-a") || registry.IsMember("sess-2", "dev-a") {
		t.Fatalf("expected dev-a removed everywhere")
	}
	if !registry.IsMember("sess-2", "dev-b") {
		t.Fatalf("expected dev-b to remain in sess-2")
	}
}

func TestRegistry_DropIgnoresSupersededConnection(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(t))

	stale := mustAuthedConn(t, "dev-a")
	registry.Subscribe("sess-1", stale)

	// A reconnect replaces the membership entry for the same device.
	fresh := mustAuthedConn(t, "dev-a")
	registry.Subscribe("sess-1", fresh)

	if affected := registry.Drop(stale); affected != nil {
		t.Fatalf("expected stale drop to be a no-op, got %v", affected)
	}
	if !registry.IsMember("sess-1", "dev-a") {
		t.Fatalf("expected fresh connection to keep membership")
	}
}
