// Package ipc implements the line-delimited JSON protocol between the
// sidecar daemon and its local clients over a unix socket. Every frame is a
// single JSON object terminated by a newline; every request is acknowledged
// exactly once.
package ipc

// Protocol operations. The ".v1" suffix is part of the wire format.
const (
	OpPublish      = "publish.v1"
	OpPublishAck   = "publish.ack.v1"
	OpObjectSet    = "object.set.v1"
	OpSubscribe    = "subscribe.v1"
	OpSubscribeAck = "subscribe.ack.v1"
	OpMessage      = "message.v1"
)

const (
	// DefaultMaxFrameBytes caps one protocol frame.
	DefaultMaxFrameBytes = 2 << 20 // 2 MiB

	scannerInitialBytes = 64 << 10
)

// operationEnvelope peeks at the op field to dispatch a frame.
type operationEnvelope struct {
	Op string `json:"op"`
}

// requestAck is the response to any request frame.
type requestAck struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// publishRequest asks the daemon to publish a payload on a channel.
type publishRequest struct {
	Op         string `json:"op"`
	RequestID  string `json:"request_id"`
	Channel    string `json:"channel"`
	Event      string `json:"event"`
	PayloadB64 string `json:"payload_b64,omitempty"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
}

// objectSetRequest asks the daemon to write a keyed object.
type objectSetRequest struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
	Key       string `json:"key"`
	ValueB64  string `json:"value_b64,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// subscribeRequest registers interest in a channel's events. An empty event
// name subscribes to everything on the channel.
type subscribeRequest struct {
	Op             string `json:"op"`
	RequestID      string `json:"request_id"`
	SubscriptionID string `json:"subscription_id"`
	Channel        string `json:"channel"`
	Event          string `json:"event,omitempty"`
}

// messageEnvelope carries one inbound backbone message to a subscriber.
type messageEnvelope struct {
	Op             string `json:"op"`
	SubscriptionID string `json:"subscription_id"`
	MessageID      string `json:"message_id,omitempty"`
	Channel        string `json:"channel"`
	Event          string `json:"event,omitempty"`
	PayloadB64     string `json:"payload_b64,omitempty"`
	ReceivedAtMS   int64  `json:"received_at_ms,omitempty"`
}
