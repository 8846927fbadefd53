package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ably/ably-go/ably"
)

const defaultTokenTTL = time.Hour

// AblyIssuer mints short-lived backbone tokens from a root API key. This is
// the only process that ever holds the key; everything else goes through the
// broker socket.
type AblyIssuer struct {
	rest *ably.REST
	ttl  time.Duration

	// capabilities maps audience -> capability JSON. Audiences without an
	// entry get the key's default capability.
	capabilities map[string]string
}

// NewAblyIssuer builds an issuer from the backbone API key.
func NewAblyIssuer(apiKey string, ttl time.Duration, capabilities map[string]string) (*AblyIssuer, error) {
	if apiKey == "" {
		return nil, errors.New("broker: backbone api key is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	rest, err := ably.NewREST(ably.WithKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("broker: rest client: %w", err)
	}

	return &AblyIssuer{rest: rest, ttl: ttl, capabilities: capabilities}, nil
}

// Issue requests a token scoped to the audience's capability, bound to the
// device as client id.
func (i *AblyIssuer) Issue(ctx context.Context, audience, deviceID string) (TokenDetails, error) {
	params := &ably.TokenParams{
		ClientID: deviceID,
		TTL:      i.ttl.Milliseconds(),
	}
	if capability := i.capabilities[audience]; capability != "" {
		params.Capability = capability
	}

	details, err := i.rest.Auth.RequestToken(ctx, params)
	if err != nil {
		return TokenDetails{}, fmt.Errorf("broker: request token: %w", err)
	}

	return TokenDetails{
		Token:      details.Token,
		Expires:    details.Expires,
		ClientID:   details.ClientID,
		Issued:     details.Issued,
		Capability: details.Capability,
	}, nil
}
