package app

import (
	"errors"

	"tether/cmd/internal/token"
)

// ValidateSecurityConfig enforces the relay's security policy at startup.
//
// Fail-fast is intentional: silently comparing plaintext device tokens when
// the operator asked for HMAC digests would weaken the deployment without
// anyone noticing.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret, measured in bytes because
	// the key is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but TETHER_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but TETHER_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
