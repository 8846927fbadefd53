package relay

import (
	"encoding/json"
	"log/slog"

	v1 "tether/contracts/relay/v1"
)

// Router implements the crypto-blind envelope routing path.
//
// It inspects only routing metadata (type, sessionId, senderId) and fans the
// raw, unmodified frame bytes out to the other session members. Payload bytes
// are never parsed here.
type Router struct {
	log      *slog.Logger
	registry *Registry
	metrics  *Metrics
}

// NewRouter constructs a Router over the given registry.
func NewRouter(log *slog.Logger, registry *Registry, metrics *Metrics) *Router {
	return &Router{log: log, registry: registry, metrics: metrics}
}

// Route processes one routed envelope from sender.
//
// Processing order:
//  1. unauthenticated connection -> ERROR{NOT_AUTHENTICATED}
//  2. senderId != connection device -> ERROR{SENDER_MISMATCH}
//  3. empty membership -> DELIVERY_FAILED{SESSION_NOT_FOUND}
//  4. sender not a member -> ERROR{NOT_IN_SESSION}
//  5. broadcast raw bytes to every other member
//  6. other members exist but none reachable -> DELIVERY_FAILED{DEVICE_OFFLINE}
//
// Any reply frame is enqueued on the sender. Delivery is best-effort,
// at-most-once: full member queues are dropped, not retried.
func (r *Router) Route(sender *Conn, raw []byte, frame v1.Frame) {
	if !sender.Authenticated() {
		r.reject(sender, v1.CodeNotAuthenticated, "authenticate first")
		return
	}

	if frame.SenderID != sender.DeviceID() {
		r.reject(sender, v1.CodeSenderMismatch, "senderId does not match connection device")
		return
	}

	members := r.registry.Members(frame.SessionID)
	if len(members) == 0 {
		r.deliveryFailed(sender, v1.CodeSessionNotFound, frame.SessionID)
		return
	}

	isMember := false
	for _, m := range members {
		if m == sender {
			isMember = true
			break
		}
	}
	if !isMember {
		r.reject(sender, v1.CodeNotInSession, "not subscribed to session")
		return
	}

	others := 0
	delivered := 0
	for _, m := range members {
		if m == sender {
			continue
		}
		others++
		if m.TryEnqueue(raw) {
			delivered++
		} else {
			r.metrics.BroadcastDrops.Inc()
			r.log.Info("relay.route.drop",
				"session_id", frame.SessionID,
				"device_id", m.DeviceID(),
			)
		}
	}

	r.metrics.EnvelopesRouted.Inc()
	r.log.Debug("relay.route.fanout",
		"session_id", frame.SessionID,
		"sender_id", frame.SenderID,
		"recipients", delivered,
	)

	if others > 0 && delivered == 0 {
		r.deliveryFailed(sender, v1.CodeDeviceOffline, frame.SessionID)
	}
}

func (r *Router) reject(sender *Conn, code, message string) {
	r.metrics.RoutingRejects.WithLabelValues(code).Inc()
	enqueueFrame(sender, v1.Error(code, message))
}

func (r *Router) deliveryFailed(sender *Conn, code, sessionID string) {
	r.metrics.RoutingRejects.WithLabelValues(code).Inc()
	enqueueFrame(sender, v1.DeliveryFailed(code, sessionID))
}

// enqueueFrame marshals a server-built frame onto a connection's send queue.
// Best-effort: drops under backpressure rather than blocking the caller.
func enqueueFrame(conn *Conn, frame v1.Frame) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return conn.TryEnqueue(b)
}
