package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryPresenceStore is a PresenceStore for dev and tests.
type InMemoryPresenceStore struct {
	mu      sync.Mutex
	devices map[string]DevicePresence
}

// NewInMemoryPresenceStore constructs an empty in-memory store.
func NewInMemoryPresenceStore() *InMemoryPresenceStore {
	return &InMemoryPresenceStore{devices: make(map[string]DevicePresence)}
}

// MarkOnline upserts the device row and flags it online.
func (s *InMemoryPresenceStore) MarkOnline(ctx context.Context, in DevicePresence) error {
	if s == nil {
		return errors.New("relay: nil store")
	}
	if in.DeviceID == "" {
		return errors.New("missing device_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.LastSeen.IsZero() {
		in.LastSeen = time.Now().UTC()
	}
	in.Online = true

	s.mu.Lock()
	s.devices[in.DeviceID] = in
	s.mu.Unlock()
	return nil
}

// MarkOffline flips the device offline, keeping its last_seen timestamp.
func (s *InMemoryPresenceStore) MarkOffline(ctx context.Context, deviceID string, at time.Time) error {
	if s == nil {
		return errors.New("relay: nil store")
	}
	if deviceID == "" {
		return errors.New("missing device_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	if d, ok := s.devices[deviceID]; ok {
		d.Online = false
		d.LastSeen = at
		s.devices[deviceID] = d
	}
	s.mu.Unlock()
	return nil
}

// Touch bumps last_seen for a live device.
func (s *InMemoryPresenceStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	if s == nil {
		return errors.New("relay: nil store")
	}
	if deviceID == "" {
		return errors.New("missing device_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	if d, ok := s.devices[deviceID]; ok {
		d.LastSeen = at
		s.devices[deviceID] = d
	}
	s.mu.Unlock()
	return nil
}

// List returns all known devices ordered by last_seen DESC.
func (s *InMemoryPresenceStore) List(ctx context.Context) ([]DevicePresence, error) {
	if s == nil {
		return nil, errors.New("relay: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]DevicePresence, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryPresenceStore) Close() error { return nil }
