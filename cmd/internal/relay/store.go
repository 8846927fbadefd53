// Package relay contains Tether's crypto-blind WebSocket relay: the device
// connection registry, session router, and presence persistence primitives.
package relay

import (
	"context"
	"time"
)

// DevicePresence is the canonical persisted presence row for one device.
type DevicePresence struct {
	DeviceID   string
	UserID     string
	DeviceName string
	Role       string
	Online     bool
	LastSeen   time.Time
}

// PresenceStore persists and queries device presence.
//
// Requirements:
//   - Upsert per device_id (a reconnect replaces the previous row)
//   - MarkOffline preserves last_seen for "last seen at" displays
//   - List is ordered by last_seen DESC
//
// Presence is operational metadata only. Message payloads are never persisted.
type PresenceStore interface {
	MarkOnline(ctx context.Context, in DevicePresence) error
	MarkOffline(ctx context.Context, deviceID string, at time.Time) error
	Touch(ctx context.Context, deviceID string, at time.Time) error
	List(ctx context.Context) ([]DevicePresence, error)
	Close() error
}
