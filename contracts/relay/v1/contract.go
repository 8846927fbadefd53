// Package v1 defines the Tether relay protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay server and device clients to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Control frame types (wire-stable, client -> server unless noted).
const (
	// TypeAuth authenticates a device connection.
	TypeAuth = "AUTH"
	// TypeSubscribe adds the device to a session's membership.
	TypeSubscribe = "SUBSCRIBE"
	// TypeUnsubscribe removes the device from a session's membership.
	TypeUnsubscribe = "UNSUBSCRIBE"
	// TypeHeartbeat is a client liveness probe.
	TypeHeartbeat = "HEARTBEAT"

	// TypeAuthSuccess acknowledges a successful AUTH (server -> client).
	TypeAuthSuccess = "AUTH_SUCCESS"
	// TypeAuthFailure reports a failed AUTH; the socket stays open (server -> client).
	TypeAuthFailure = "AUTH_FAILURE"
	// TypeSubscribed acknowledges a SUBSCRIBE (server -> client).
	TypeSubscribed = "SUBSCRIBED"
	// TypeUnsubscribed acknowledges an UNSUBSCRIBE (server -> client).
	TypeUnsubscribed = "UNSUBSCRIBED"
	// TypeHeartbeatAck answers a HEARTBEAT (server -> client).
	TypeHeartbeatAck = "HEARTBEAT_ACK"
	// TypeError is a structured protocol-level error (server -> client).
	TypeError = "ERROR"
	// TypeDeliveryFailed reports a routing failure for one envelope (server -> client).
	TypeDeliveryFailed = "DELIVERY_FAILED"
	// TypeMemberLeft notifies remaining members that a device left a session (server -> client).
	TypeMemberLeft = "MEMBER_LEFT"
)

// Routed envelope types. The relay forwards these crypto-blind: only routing
// metadata is inspected, payload bytes are never parsed.
const (
	TypeSession = "session"
	TypeControl = "control"
)

// Error codes carried by ERROR frames.
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeSenderMismatch   = "SENDER_MISMATCH"
	CodeNotInSession     = "NOT_IN_SESSION"
	CodeInvalidAuth      = "INVALID_AUTH"
)

// Delivery failure codes carried by DELIVERY_FAILED frames.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeDeviceOffline   = "DEVICE_OFFLINE"
)

// Frame is the canonical wire shape. All relay traffic is JSON frames of this
// form; unused fields are omitted per type.
type Frame struct {
	Type string `json:"type"`

	// AUTH fields.
	DeviceID    string `json:"deviceId,omitempty"`
	DeviceToken string `json:"deviceToken,omitempty"`

	// Routing fields.
	SessionID string `json:"sessionId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Payload is opaque to the relay (typically base64 ciphertext).
	Payload json.RawMessage `json:"payload,omitempty"`

	// ERROR / DELIVERY_FAILED fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsEnvelope reports whether the frame is a routed envelope rather than a
// control message.
func (f Frame) IsEnvelope() bool {
	return f.Type == TypeSession || f.Type == TypeControl
}

// Validate performs strict structural validation.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.Type) == "" {
		return errors.New("missing field: type")
	}

	switch f.Type {
	case TypeAuth:
		if strings.TrimSpace(f.DeviceID) == "" {
			return errors.New("missing field: deviceId")
		}
		if strings.TrimSpace(f.DeviceToken) == "" {
			return errors.New("missing field: deviceToken")
		}
		return nil
	case TypeSubscribe, TypeUnsubscribe:
		if strings.TrimSpace(f.SessionID) == "" {
			return errors.New("missing field: sessionId")
		}
		return nil
	case TypeHeartbeat:
		return nil
	case TypeSession, TypeControl:
		if strings.TrimSpace(f.SessionID) == "" {
			return errors.New("missing field: sessionId")
		}
		if strings.TrimSpace(f.SenderID) == "" {
			return errors.New("missing field: senderId")
		}
		if len(f.Payload) == 0 {
			return errors.New("missing field: payload")
		}
		return nil
	case TypeAuthSuccess, TypeAuthFailure, TypeSubscribed, TypeUnsubscribed,
		TypeHeartbeatAck, TypeError, TypeDeliveryFailed, TypeMemberLeft:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}
}

// Auth builds an AUTH frame.
func Auth(deviceID, deviceToken string) Frame {
	return Frame{Type: TypeAuth, DeviceID: deviceID, DeviceToken: deviceToken}
}

// Subscribe builds a SUBSCRIBE frame.
func Subscribe(sessionID string) Frame {
	return Frame{Type: TypeSubscribe, SessionID: sessionID}
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(sessionID string) Frame {
	return Frame{Type: TypeUnsubscribe, SessionID: sessionID}
}

// Heartbeat builds a HEARTBEAT frame.
func Heartbeat() Frame {
	return Frame{Type: TypeHeartbeat}
}

// SessionEnvelope builds a routed session envelope with an opaque payload.
func SessionEnvelope(sessionID, senderID string, payload json.RawMessage, ts time.Time) Frame {
	return Frame{
		Type:      TypeSession,
		SessionID: sessionID,
		SenderID:  senderID,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

// Error builds an ERROR frame.
func Error(code, message string) Frame {
	return Frame{Type: TypeError, Code: code, Message: message}
}

// DeliveryFailed builds a DELIVERY_FAILED frame scoped to one session.
func DeliveryFailed(code, sessionID string) Frame {
	return Frame{Type: TypeDeliveryFailed, Code: code, SessionID: sessionID}
}

// MemberLeft builds a MEMBER_LEFT notification.
func MemberLeft(sessionID, deviceID string) Frame {
	return Frame{Type: TypeMemberLeft, SessionID: sessionID, DeviceID: deviceID}
}
