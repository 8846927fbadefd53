// Package sideeffect defines the side-effect envelope the sidecar publishes
// to the pub/sub backbone for real-time sync to other devices.
package sideeffect

import "encoding/json"

// Type represents the kind of side-effect.
type Type string

const (
	// Session side-effects.
	SessionCreated Type = "session_created"
	SessionClosed  Type = "session_closed"
	SessionDeleted Type = "session_deleted"
	SessionUpdated Type = "session_updated"

	// Message side-effects.
	MessageAppended Type = "message_appended"

	// Device state side-effects.
	DeviceStatusChanged Type = "device_status_changed"
	PresenceUpdated     Type = "presence_updated"
)

// SideEffect is one publishable event. The payload is opaque to the publisher;
// only routing fields (channel, event) are inspected.
type SideEffect struct {
	Type Type `json:"type"`

	// Channel overrides the default publisher channel when present.
	Channel string `json:"channel,omitempty"`

	// Event overrides the default event name when present.
	Event string `json:"event,omitempty"`

	// Payload is the optional data body to publish instead of the full envelope.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ObjectKey addresses keyed object writes (object-set path).
	ObjectKey string `json:"object_key,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Device status values.
const (
	DeviceStatusIdle    = "idle"
	DeviceStatusRunning = "running"
	DeviceStatusWaiting = "waiting"
	DeviceStatusError   = "error"
)
