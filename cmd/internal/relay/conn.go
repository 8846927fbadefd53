package relay

import (
	"sync"
)

// AuthContext is the identity attached to a connection after a successful AUTH.
// It is produced by the external token validator and held for the connection's life.
type AuthContext struct {
	DeviceID   string
	UserID     string
	DeviceName string

	// Role distinguishes close semantics: when an executor-role device leaves,
	// its sessions are treated as ended rather than merely missing a member.
	Role string
}

// Device roles.
const (
	RoleExecutor    = "executor"
	RoleParticipant = "participant"
)

// Conn represents one connected device socket.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Conn struct {
	ID   string
	Send chan []byte

	mu   sync.Mutex
	auth *AuthContext

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(id string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		ID:   id,
		Send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// SetAuth attaches the validated identity and flips the connection to authenticated.
func (c *Conn) SetAuth(auth AuthContext) {
	c.mu.Lock()
	c.auth = &auth
	c.mu.Unlock()
}

// Auth returns the attached identity, or nil when the connection is unauthenticated.
func (c *Conn) Auth() *AuthContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// Authenticated reports whether AUTH has succeeded on this connection.
func (c *Conn) Authenticated() bool {
	return c.Auth() != nil
}

// DeviceID returns the authenticated device id, or "" before AUTH.
func (c *Conn) DeviceID() string {
	if a := c.Auth(); a != nil {
		return a.DeviceID
	}
	return ""
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TryEnqueue attempts a non-blocking write to the send queue.
// It reports false if the connection is shutting down or the queue is full.
func (c *Conn) TryEnqueue(frame []byte) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}
