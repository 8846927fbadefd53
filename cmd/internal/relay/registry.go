package relay

import (
	"log/slog"
	"sync"
)

// Registry owns per-session membership derived from live subscriptions.
//
// There is no explicit session creation step: a session exists exactly while at
// least one live connection is subscribed to it.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe/Drop are safe under concurrent Members snapshots.
// - Membership removal happens before Conn.Close to avoid races with broadcasters.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Conn // sessionID -> deviceID -> conn
}

// NewRegistry constructs a Registry instance.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]map[string]*Conn),
	}
}

// Subscribe adds a connection to a session's membership.
// It is idempotent per (deviceID, sessionID) and reports whether the
// membership is new.
func (r *Registry) Subscribe(sessionID string, conn *Conn) bool {
	if r == nil || conn == nil || sessionID == "" || conn.DeviceID() == "" {
		return false
	}
	deviceID := conn.DeviceID()

	r.mu.Lock()
	members := r.sessions[sessionID]
	if members == nil {
		members = make(map[string]*Conn)
		r.sessions[sessionID] = members
	}
	_, existed := members[deviceID]
	members[deviceID] = conn
	r.mu.Unlock()

	if !existed {
		r.log.Info("relay.session.member.join", "session_id", sessionID, "device_id", deviceID)
	}
	return !existed
}

// Unsubscribe removes a device from a session's membership.
func (r *Registry) Unsubscribe(sessionID, deviceID string) {
	if r == nil || sessionID == "" || deviceID == "" {
		return
	}

	r.mu.Lock()
	if members, ok := r.sessions[sessionID]; ok {
		delete(members, deviceID)
		if len(members) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	r.log.Info("relay.session.member.leave", "session_id", sessionID, "device_id", deviceID)
}

// Drop removes a connection from every session it is subscribed to and returns
// the affected session ids. Used on connection close.
func (r *Registry) Drop(conn *Conn) []string {
	if r == nil || conn == nil {
		return nil
	}
	deviceID := conn.DeviceID()
	if deviceID == "" {
		return nil
	}

	var affected []string

	r.mu.Lock()
	for sessionID, members := range r.sessions {
		if existing, ok := members[deviceID]; ok && existing == conn {
			delete(members, deviceID)
			if len(members) == 0 {
				delete(r.sessions, sessionID)
			}
			affected = append(affected, sessionID)
		}
	}
	r.mu.Unlock()

	return affected
}

// Members returns a snapshot of a session's live member connections.
func (r *Registry) Members(sessionID string) []*Conn {
	if r == nil || sessionID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.sessions[sessionID]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// IsMember reports whether deviceID is currently subscribed to sessionID.
func (r *Registry) IsMember(sessionID, deviceID string) bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.sessions[sessionID]
	_, ok := members[deviceID]
	return ok
}
