// Package broker implements the local token broker protocol: a single JSON
// request/response exchange over a unix socket that trades a proof-of-trust
// token for a short-lived, audience-scoped backbone credential.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrRejected means the broker refused to issue a credential. Callers must
// treat this as terminal; there is no fallback to an unauthenticated attempt.
var ErrRejected = errors.New("broker: token request rejected")

// TokenDetails is the short-lived credential issued by the broker.
// Field names are wire-stable (the backbone's token format).
type TokenDetails struct {
	Token      string `json:"token"`
	Expires    int64  `json:"expires"`
	ClientID   string `json:"clientId"`
	Issued     int64  `json:"issued"`
	Capability string `json:"capability"`
}

type tokenRequest struct {
	BrokerToken string `json:"broker_token"`
	Audience    string `json:"audience"`
	DeviceID    string `json:"device_id"`
}

type tokenResponse struct {
	OK           bool            `json:"ok"`
	TokenDetails json.RawMessage `json:"token_details,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// RequestToken performs one broker exchange: write the request, half-close,
// read the full response. Any negative or malformed response is a hard
// failure.
func RequestToken(ctx context.Context, socketPath, brokerToken, audience, deviceID string) (TokenDetails, error) {
	requestPayload, err := json.Marshal(tokenRequest{
		BrokerToken: brokerToken,
		Audience:    audience,
		DeviceID:    deviceID,
	})
	if err != nil {
		return TokenDetails{}, fmt.Errorf("broker: serialize request: %w", err)
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return TokenDetails{}, fmt.Errorf("broker: connect %s: %w", socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(requestPayload); err != nil {
		return TokenDetails{}, fmt.Errorf("broker: write request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		_ = unixConn.CloseWrite()
	}

	responsePayload, err := io.ReadAll(conn)
	if err != nil {
		return TokenDetails{}, fmt.Errorf("broker: read response: %w", err)
	}

	var response tokenResponse
	if err := json.Unmarshal(responsePayload, &response); err != nil {
		return TokenDetails{}, fmt.Errorf("broker: invalid response: %w", err)
	}
	if !response.OK {
		if response.Error == "" {
			return TokenDetails{}, ErrRejected
		}
		return TokenDetails{}, fmt.Errorf("%w: %s", ErrRejected, response.Error)
	}

	var details TokenDetails
	if err := json.Unmarshal(response.TokenDetails, &details); err != nil {
		return TokenDetails{}, fmt.Errorf("broker: invalid token details payload: %w", err)
	}
	if details.Token == "" {
		return TokenDetails{}, fmt.Errorf("%w: response missing token", ErrRejected)
	}
	return details, nil
}
