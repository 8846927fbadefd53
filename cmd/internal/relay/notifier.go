package relay

import "context"

// Notifier receives out-of-band events when a device disconnects.
//
// The gateway calls these asynchronously after membership cleanup so that slow
// downstream systems never block the close path.
type Notifier interface {
	// SessionEnded fires when an executor-role device disconnects: its
	// sessions are considered over, not merely short one member.
	SessionEnded(ctx context.Context, sessionID, deviceID string)

	// MemberLeft fires when a participant-role device disconnects from a
	// session that still has other members.
	MemberLeft(ctx context.Context, sessionID, deviceID string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) SessionEnded(context.Context, string, string) {}
func (NopNotifier) MemberLeft(context.Context, string, string)   {}
