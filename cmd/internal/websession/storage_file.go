package websession

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStorage persists the session record as a 0600 JSON file so a session
// survives process restarts.
type FileStorage struct {
	path string
}

type fileRecord struct {
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	PrivateKey []byte    `json:"private_key"`
	SessionKey []byte    `json:"session_key,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewFileStorage builds a FileStorage, creating the parent directory with
// owner-only permissions.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("websession: empty storage path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("websession: create storage dir: %w", err)
	}
	return &FileStorage{path: path}, nil
}

// Save replaces the stored record. Written via a temp file and rename so a
// crash never leaves a half-written record.
func (s *FileStorage) Save(rec Record) error {
	b, err := json.Marshal(fileRecord{
		SessionID:  rec.SessionID,
		Token:      rec.Token,
		PrivateKey: rec.PrivateKey,
		SessionKey: rec.SessionKey,
		ExpiresAt:  rec.ExpiresAt,
	})
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("websession: write storage: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("websession: commit storage: %w", err)
	}
	return nil
}

// Load returns the stored record, if any.
func (s *FileStorage) Load() (Record, bool, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("websession: read storage: %w", err)
	}

	var fr fileRecord
	if err := json.Unmarshal(b, &fr); err != nil {
		return Record{}, false, fmt.Errorf("websession: decode storage: %w", err)
	}

	return Record{
		SessionID:  fr.SessionID,
		Token:      fr.Token,
		PrivateKey: fr.PrivateKey,
		SessionKey: fr.SessionKey,
		ExpiresAt:  fr.ExpiresAt,
	}, true, nil
}

// Clear removes the stored record.
func (s *FileStorage) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("websession: clear storage: %w", err)
	}
	return nil
}
