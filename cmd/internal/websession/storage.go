package websession

import (
	"errors"
	"sync"
	"time"
)

// ErrNoStoredSession is returned by RestoreFromStorage when nothing usable is
// persisted.
var ErrNoStoredSession = errors.New("websession: no stored session")

// Record is the persisted subset of a session, enough to survive a restart.
// The session key is present only after authorization.
type Record struct {
	SessionID  string
	Token      string
	PrivateKey []byte
	SessionKey []byte
	ExpiresAt  time.Time
}

// Storage is a scoped key/value seam for session persistence. Implementations
// hold at most one record (the client's current session).
type Storage interface {
	Save(rec Record) error
	Load() (Record, bool, error)
	Clear() error
}

// MemoryStorage is an in-process Storage for dev and tests.
type MemoryStorage struct {
	mu  sync.Mutex
	rec *Record
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Save replaces the stored record.
func (s *MemoryStorage) Save(rec Record) error {
	s.mu.Lock()
	cp := rec
	cp.PrivateKey = append([]byte(nil), rec.PrivateKey...)
	cp.SessionKey = append([]byte(nil), rec.SessionKey...)
	s.rec = &cp
	s.mu.Unlock()
	return nil
}

// Load returns the stored record, if any.
func (s *MemoryStorage) Load() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return Record{}, false, nil
	}
	return *s.rec, true, nil
}

// Clear removes the stored record.
func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}
