package relay

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPresenceStore_OnlineOfflineCycle(t *testing.T) {
	t.Parallel()

	store := NewInMemoryPresenceStore()
	ctx := context.Background()

	online := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := store.MarkOnline(ctx, DevicePresence{
		DeviceID:   "dev-a",
		UserID:     "user-1",
		DeviceName: "laptop",
		Role:       RoleParticipant,
		LastSeen:   online,
	}); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	offline := online.Add(5 * time.Minute)
	if err := store.MarkOffline(ctx, "dev-a", offline); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	devices, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}

	got := devices[0]
	if got.Online {
		t.Fatalf("expected offline")
	}
	if !got.LastSeen.Equal(offline) {
		t.Fatalf("expected last_seen preserved at offline time, got %v", got.LastSeen)
	}
	if got.DeviceName != "laptop" || got.UserID != "user-1" {
		t.Fatalf("expected identity fields preserved, got %+v", got)
	}
}

func TestInMemoryPresenceStore_ListOrdersByLastSeenDesc(t *testing.T) {
	t.Parallel()

	store := NewInMemoryPresenceStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"dev-a", "dev-b", "dev-c"} {
		if err := store.MarkOnline(ctx, DevicePresence{
			DeviceID: id,
			LastSeen: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("mark online %s: %v", id, err)
		}
	}

	if err := store.Touch(ctx, "dev-a", base.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	devices, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	if devices[0].DeviceID != "dev-a" {
		t.Fatalf("expected dev-a first after touch, got %s", devices[0].DeviceID)
	}
}

func TestInMemoryPresenceStore_TouchUnknownDeviceIsNoop(t *testing.T) {
	t.Parallel()

	store := NewInMemoryPresenceStore()
	ctx := context.Background()

	if err := store.Touch(ctx, "dev-missing", time.Now().UTC()); err != nil {
		t.Fatalf("touch unknown: %v", err)
	}

	devices, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(devices))
	}
}
