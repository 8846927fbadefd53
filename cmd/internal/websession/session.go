// Package websession implements the browser-side session handshake: ephemeral
// X25519 key exchange, session-key recovery, and the session lifecycle
// (authorization polling, idle timeout, expiry warning, revocation).
package websession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the handshake lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateWaitingForAuth State = "waiting_for_auth"
	StateAuthorized     State = "authorized"
	StateIdleTimeout    State = "idle_timeout"
	StateExpired        State = "expired"
	StateError          State = "error"
	StateRevoked        State = "revoked"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateIdleTimeout, StateExpired, StateError, StateRevoked:
		return true
	}
	return false
}

var (
	// ErrAuthorizationTimeout means the poll loop exhausted its attempts.
	ErrAuthorizationTimeout = errors.New("websession: authorization timed out")
	// ErrSessionExpired means the session passed its TTL.
	ErrSessionExpired = errors.New("websession: session expired")
	// ErrSessionRevoked means the session was revoked remotely.
	ErrSessionRevoked = errors.New("websession: session revoked")
	// ErrNotAuthorized means a crypto operation ran outside the authorized state.
	ErrNotAuthorized = errors.New("websession: not authorized")
	// ErrInvalidState means an operation ran in a state that does not allow it.
	ErrInvalidState = errors.New("websession: invalid state")
)

// Config tunes the handshake. Zero values get safe defaults.
type Config struct {
	// PollInterval separates status polls (default 2s).
	PollInterval time.Duration
	// MaxPollAttempts bounds the authorization wait (default 150).
	MaxPollAttempts int
	// IdleCheckInterval is how often the idle monitor wakes (default 15s).
	IdleCheckInterval time.Duration
	// ExpiryWarnMargin is how long before expiry the warning fires (default 1m).
	ExpiryWarnMargin time.Duration
	// DefaultMaxIdle applies when the remote side supplies no idle window,
	// including sessions restored from storage (default 10m).
	DefaultMaxIdle time.Duration

	// OnExpiryWarning, when set, fires once shortly before the session expires.
	OnExpiryWarning func()
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 150
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 15 * time.Second
	}
	if c.ExpiryWarnMargin <= 0 {
		c.ExpiryWarnMargin = time.Minute
	}
	if c.DefaultMaxIdle <= 0 {
		c.DefaultMaxIdle = 10 * time.Minute
	}
	return c
}

// Session is one handshake attempt and, after authorization, the holder of the
// symmetric session key. A Session is not meant to run concurrent handshake
// attempts; crypto operations are safe for concurrent use once authorized.
type Session struct {
	log   *slog.Logger
	api   SessionAPI
	store Storage
	cfg   Config

	mu                sync.Mutex
	state             State
	id                string
	token             string
	privateKey        [32]byte
	publicKey         [32]byte
	sessionKey        []byte
	expiresAt         time.Time
	lastActivity      time.Time
	maxIdle           time.Duration
	permission        string
	authorizingDevice string

	// All are cancelled together on teardown to avoid leaks.
	idleStop    chan struct{}
	warnTimer   *time.Timer
	expireTimer *time.Timer
}

// New constructs an idle Session.
func New(log *slog.Logger, api SessionAPI, store Storage, cfg Config) *Session {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewMemoryStorage()
	}
	return &Session{
		log:   log,
		api:   api,
		store: store,
		cfg:   cfg.withDefaults(),
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session id, or "" before Init.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Init generates an ephemeral keypair, registers it remotely, and persists the
// bootstrap state. Valid only from the idle state.
func (s *Session) Init(ctx context.Context) (InitResult, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return InitResult{}, fmt.Errorf("%w: init from %q", ErrInvalidState, state)
	}
	s.mu.Unlock()

	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return InitResult{}, fmt.Errorf("generate keypair: %w", err)
	}

	res, err := s.api.Init(ctx, pub[:])
	if err != nil {
		return InitResult{}, fmt.Errorf("session init: %w", err)
	}

	s.mu.Lock()
	s.state = StateWaitingForAuth
	s.id = res.SessionID
	s.token = res.SessionToken
	s.privateKey = priv
	s.publicKey = pub
	s.expiresAt = res.ExpiresAt
	s.mu.Unlock()

	if err := s.store.Save(Record{
		SessionID:  res.SessionID,
		Token:      res.SessionToken,
		PrivateKey: priv[:],
		ExpiresAt:  res.ExpiresAt,
	}); err != nil {
		s.log.Error("websession.store.save.fail", "session_id", res.SessionID, "err", err)
	}

	s.log.Info("websession.init.ok", "session_id", res.SessionID, "expires_at", res.ExpiresAt)
	return res, nil
}

// WaitForAuthorization polls the status endpoint until the session becomes
// active, terminal, or attempts run out.
func (s *Session) WaitForAuthorization(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateWaitingForAuth {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: wait from %q", ErrInvalidState, state)
	}
	id, token := s.id, s.token
	s.mu.Unlock()

	for attempt := 0; attempt < s.cfg.MaxPollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := s.api.Status(ctx, id, token)
		if err != nil {
			s.log.Info("websession.poll.fail", "session_id", id, "attempt", attempt+1, "err", err)
		} else {
			switch status.Status {
			case StatusActive:
				return s.HandleAuthorization(status)
			case StatusExpired:
				s.setState(StateExpired)
				return ErrSessionExpired
			case StatusRevoked:
				s.teardown(StateRevoked)
				return ErrSessionRevoked
			case StatusPending:
				// Keep polling.
			default:
				s.log.Info("websession.poll.unknown_status", "session_id", id, "status", status.Status)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	s.setState(StateError)
	return ErrAuthorizationTimeout
}

// HandleAuthorization recovers the session key from an active status and
// transitions to authorized.
func (s *Session) HandleAuthorization(status StatusResult) error {
	if len(status.EncryptedSessionKey) == 0 || len(status.ResponderPublicKey) != 32 {
		s.setState(StateError)
		return fmt.Errorf("%w: missing key material in active status", ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return fmt.Errorf("%w: authorize from %q", ErrInvalidState, s.state)
	}

	var responderPub [32]byte
	copy(responderPub[:], status.ResponderPublicKey)

	shared, err := SharedSecret(s.privateKey, responderPub)
	if err != nil {
		s.state = StateError
		return fmt.Errorf("dh: %w", err)
	}

	wrappingKey, err := DeriveWrappingKey(shared, s.id)
	if err != nil {
		s.state = StateError
		return err
	}

	sessionKey, err := Open(wrappingKey, status.EncryptedSessionKey)
	if err != nil {
		s.state = StateError
		return err
	}
	if len(sessionKey) != sessionKeySize {
		s.state = StateError
		return fmt.Errorf("websession: session key must be %d bytes, got %d", sessionKeySize, len(sessionKey))
	}

	now := time.Now().UTC()
	s.state = StateAuthorized
	s.sessionKey = sessionKey
	s.permission = status.Permission
	s.authorizingDevice = status.AuthorizingDevice
	s.lastActivity = now

	s.maxIdle = s.cfg.DefaultMaxIdle
	if status.MaxIdleSeconds > 0 {
		s.maxIdle = time.Duration(status.MaxIdleSeconds) * time.Second
	}
	if status.SessionTTLSeconds > 0 {
		s.expiresAt = now.Add(time.Duration(status.SessionTTLSeconds) * time.Second)
	}

	if err := s.store.Save(Record{
		SessionID:  s.id,
		Token:      s.token,
		PrivateKey: s.privateKey[:],
		SessionKey: sessionKey,
		ExpiresAt:  s.expiresAt,
	}); err != nil {
		s.log.Error("websession.store.save.fail", "session_id", s.id, "err", err)
	}

	s.armTimersLocked()
	s.log.Info("websession.authorized",
		"session_id", s.id,
		"permission", s.permission,
		"authorizing_device", s.authorizingDevice,
		"max_idle", s.maxIdle,
	)
	return nil
}

// RecordActivity resets the idle clock. Call it on every successful use of the
// session.
func (s *Session) RecordActivity() {
	s.mu.Lock()
	if s.state == StateAuthorized {
		s.lastActivity = time.Now().UTC()
	}
	s.mu.Unlock()
}

// Touch records local activity and propagates it to the remote idle window.
func (s *Session) Touch(ctx context.Context) error {
	s.RecordActivity()

	s.mu.Lock()
	if s.state != StateAuthorized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: touch from %q", ErrInvalidState, state)
	}
	id, token := s.id, s.token
	s.mu.Unlock()

	return s.api.Touch(ctx, id, token)
}

// Encrypt seals plaintext under the session key. Fails closed outside the
// authorized state and once the session passes its TTL.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	key, err := s.cryptoKey()
	if err != nil {
		return nil, err
	}
	return Seal(key, plaintext)
}

// Decrypt opens a nonce‖ciphertext blob under the session key. Fails closed
// outside the authorized state and once the session passes its TTL.
func (s *Session) Decrypt(blob []byte) ([]byte, error) {
	key, err := s.cryptoKey()
	if err != nil {
		return nil, err
	}
	return Open(key, blob)
}

// cryptoKey hands out the session key for one crypto operation. An authorized
// session whose TTL has passed is expired here rather than served, so crypto
// fails closed even if the expiry timer has not fired yet.
func (s *Session) cryptoKey() ([]byte, error) {
	s.mu.Lock()
	state, key, expiresAt := s.state, s.sessionKey, s.expiresAt
	s.mu.Unlock()

	if state == StateAuthorized && !expiresAt.IsZero() && !time.Now().UTC().Before(expiresAt) {
		s.expire()
		return nil, ErrSessionExpired
	}
	if state == StateExpired {
		return nil, ErrSessionExpired
	}
	if state != StateAuthorized || len(key) == 0 {
		return nil, ErrNotAuthorized
	}
	return key, nil
}

// Revoke deletes the session remotely (best effort) and unconditionally tears
// down local state.
func (s *Session) Revoke(ctx context.Context, reason string) error {
	s.mu.Lock()
	id, token := s.id, s.token
	s.mu.Unlock()

	var remoteErr error
	if id != "" {
		if remoteErr = s.api.Revoke(ctx, id, token, reason); remoteErr != nil {
			s.log.Info("websession.revoke.remote.fail", "session_id", id, "err", remoteErr)
		}
	}

	s.teardown(StateRevoked)
	s.log.Info("websession.revoked", "session_id", id, "reason", reason)
	return remoteErr
}

// RestoreFromStorage rehydrates a persisted session. Expired records are
// cleared and fail the restore. A record carrying a session key resumes as
// authorized; otherwise the session resumes waiting for authorization.
func (s *Session) RestoreFromStorage() error {
	rec, ok, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok || rec.SessionID == "" {
		return ErrNoStoredSession
	}
	if !rec.ExpiresAt.IsZero() && time.Now().UTC().After(rec.ExpiresAt) {
		_ = s.store.Clear()
		return ErrSessionExpired
	}
	if len(rec.PrivateKey) != 32 {
		_ = s.store.Clear()
		return fmt.Errorf("%w: bad private key length", ErrNoStoredSession)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: restore from %q", ErrInvalidState, s.state)
	}

	s.id = rec.SessionID
	s.token = rec.Token
	copy(s.privateKey[:], rec.PrivateKey)
	s.expiresAt = rec.ExpiresAt

	if len(rec.SessionKey) == sessionKeySize {
		s.state = StateAuthorized
		s.sessionKey = append([]byte(nil), rec.SessionKey...)
		s.lastActivity = time.Now().UTC()
		s.maxIdle = s.cfg.DefaultMaxIdle
		s.armTimersLocked()
	} else {
		s.state = StateWaitingForAuth
	}

	s.log.Info("websession.restored", "session_id", s.id, "state", string(s.state))
	return nil
}

// ---- timers ----

// armTimersLocked starts the idle monitor, the expiry timer, and the expiry
// pre-warning timer. Caller must hold s.mu.
func (s *Session) armTimersLocked() {
	s.stopTimersLocked()

	stop := make(chan struct{})
	s.idleStop = stop

	go s.idleMonitor(stop)

	if !s.expiresAt.IsZero() {
		expireIn := time.Until(s.expiresAt)
		if expireIn < 0 {
			expireIn = 0
		}
		s.expireTimer = time.AfterFunc(expireIn, s.expire)
	}

	if s.cfg.OnExpiryWarning != nil && !s.expiresAt.IsZero() {
		warnIn := time.Until(s.expiresAt.Add(-s.cfg.ExpiryWarnMargin))
		if warnIn < 0 {
			warnIn = 0
		}
		s.warnTimer = time.AfterFunc(warnIn, s.cfg.OnExpiryWarning)
	}
}

// expire moves an authorized session past its TTL into the expired state,
// clears key material, and drops the persisted record.
func (s *Session) expire() {
	s.mu.Lock()
	if s.state != StateAuthorized {
		s.mu.Unlock()
		return
	}
	id := s.id
	s.state = StateExpired
	s.sessionKey = nil
	s.stopTimersLocked()
	s.mu.Unlock()

	s.log.Info("websession.expired", "session_id", id)
	if err := s.store.Clear(); err != nil {
		s.log.Error("websession.store.clear.fail", "err", err)
	}
}

func (s *Session) idleMonitor(stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.IdleCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			if s.state != StateAuthorized {
				s.mu.Unlock()
				return
			}
			idle := time.Since(s.lastActivity)
			if s.maxIdle > 0 && idle >= s.maxIdle {
				id := s.id
				s.state = StateIdleTimeout
				s.stopTimersLocked()
				s.mu.Unlock()
				s.log.Info("websession.idle_timeout", "session_id", id, "idle", idle)
				return
			}
			s.mu.Unlock()
		}
	}
}

// stopTimersLocked cancels the idle monitor and all timers. Caller must hold
// s.mu.
func (s *Session) stopTimersLocked() {
	if s.idleStop != nil {
		close(s.idleStop)
		s.idleStop = nil
	}
	if s.warnTimer != nil {
		s.warnTimer.Stop()
		s.warnTimer = nil
	}
	if s.expireTimer != nil {
		s.expireTimer.Stop()
		s.expireTimer = nil
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	if state.Terminal() {
		s.stopTimersLocked()
	}
	s.mu.Unlock()
}

// teardown cancels timers, clears persisted and in-memory key material, and
// lands in the given terminal state.
func (s *Session) teardown(state State) {
	s.mu.Lock()
	s.stopTimersLocked()
	s.state = state
	s.sessionKey = nil
	s.mu.Unlock()

	if err := s.store.Clear(); err != nil {
		s.log.Error("websession.store.clear.fail", "err", err)
	}
}
