package relay

import (
	"context"
	"errors"
	"strings"

	"tether/cmd/internal/token"
)

// ErrInvalidToken is returned by validators when the device token is not
// acceptable for the claimed device.
var ErrInvalidToken = errors.New("relay: invalid device token")

// TokenValidator checks an AUTH frame's (deviceId, deviceToken) pair and
// returns the identity to attach to the connection.
//
// The relay never mints or refreshes tokens itself; validation is delegated so
// deployments can back it with their own device registry.
type TokenValidator interface {
	Validate(ctx context.Context, deviceID, deviceToken string) (AuthContext, error)
}

// StaticTokenValidator is a fixed-map validator for dev and tests.
type StaticTokenValidator struct {
	// Tokens maps deviceID -> expected token.
	Tokens map[string]string
	// Roles optionally maps deviceID -> role. Missing entries get RoleParticipant.
	Roles map[string]string
}

// Validate checks the token against the static map.
func (v *StaticTokenValidator) Validate(_ context.Context, deviceID, deviceToken string) (AuthContext, error) {
	deviceID = strings.TrimSpace(deviceID)
	if v == nil || deviceID == "" {
		return AuthContext{}, ErrInvalidToken
	}

	want, ok := v.Tokens[deviceID]
	if !ok || want == "" || want != deviceToken {
		return AuthContext{}, ErrInvalidToken
	}

	role := v.Roles[deviceID]
	if role == "" {
		role = RoleParticipant
	}
	return AuthContext{DeviceID: deviceID, Role: role}, nil
}

// HashedTokenValidator stores token digests instead of plaintext. Digests are
// hex SHA-256, or HMAC-SHA256 when the HMAC key env is set.
type HashedTokenValidator struct {
	// Digests maps deviceID -> expected token digest (hex).
	Digests map[string]string
	// Roles optionally maps deviceID -> role. Missing entries get RoleParticipant.
	Roles map[string]string
}

// Validate hashes the presented token and compares digests.
func (v *HashedTokenValidator) Validate(_ context.Context, deviceID, deviceToken string) (AuthContext, error) {
	deviceID = strings.TrimSpace(deviceID)
	if v == nil || deviceID == "" || deviceToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	want, ok := v.Digests[deviceID]
	if !ok || want == "" || !token.VerifyHex(deviceToken, want) {
		return AuthContext{}, ErrInvalidToken
	}

	role := v.Roles[deviceID]
	if role == "" {
		role = RoleParticipant
	}
	return AuthContext{DeviceID: deviceID, Role: role}, nil
}
