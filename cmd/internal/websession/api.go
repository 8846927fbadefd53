package websession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote session status values.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// InitResult is the response to session creation.
type InitResult struct {
	SessionID        string    `json:"sessionId"`
	SessionToken     string    `json:"sessionToken"`
	BootstrapPayload string    `json:"bootstrapPayload"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// StatusResult is the response to a status poll. Key material fields are
// populated only once the session is active.
type StatusResult struct {
	Status              string `json:"status"`
	EncryptedSessionKey []byte `json:"encryptedSessionKey,omitempty"`
	ResponderPublicKey  []byte `json:"responderPublicKey,omitempty"`
	Permission          string `json:"permission,omitempty"`
	MaxIdleSeconds      int    `json:"maxIdleSeconds,omitempty"`
	SessionTTLSeconds   int    `json:"sessionTtlSeconds,omitempty"`
	AuthorizingDevice   string `json:"authorizingDevice,omitempty"`
}

// SessionAPI is the external HTTP surface the handshake rides on. The
// handshake owns no transport of its own.
type SessionAPI interface {
	Init(ctx context.Context, publicKey []byte) (InitResult, error)
	Status(ctx context.Context, sessionID, token string) (StatusResult, error)
	Touch(ctx context.Context, sessionID, token string) error
	Revoke(ctx context.Context, sessionID, token, reason string) error
}

// HTTPSessionAPI implements SessionAPI against a base URL.
type HTTPSessionAPI struct {
	base   string
	client *http.Client
}

// NewHTTPSessionAPI constructs an API client. A nil http.Client gets a
// 10-second default timeout.
func NewHTTPSessionAPI(baseURL string, client *http.Client) (*HTTPSessionAPI, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("websession: empty base URL")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSessionAPI{base: baseURL, client: client}, nil
}

// Init registers the ephemeral public key and creates a session.
func (a *HTTPSessionAPI) Init(ctx context.Context, publicKey []byte) (InitResult, error) {
	body := struct {
		PublicKey []byte `json:"publicKey"`
	}{PublicKey: publicKey}

	var out InitResult
	if err := a.do(ctx, http.MethodPost, "/v1/web-sessions", "", body, &out); err != nil {
		return InitResult{}, err
	}
	if out.SessionID == "" || out.SessionToken == "" {
		return InitResult{}, errors.New("websession: init response missing session id or token")
	}
	return out, nil
}

// Status polls the session's authorization state.
func (a *HTTPSessionAPI) Status(ctx context.Context, sessionID, token string) (StatusResult, error) {
	var out StatusResult
	err := a.do(ctx, http.MethodGet, "/v1/web-sessions/"+sessionID, token, nil, &out)
	return out, err
}

// Touch tells the remote side the session saw activity.
func (a *HTTPSessionAPI) Touch(ctx context.Context, sessionID, token string) error {
	return a.do(ctx, http.MethodPatch, "/v1/web-sessions/"+sessionID+"/touch", token, nil, nil)
}

// Revoke deletes the session remotely.
func (a *HTTPSessionAPI) Revoke(ctx context.Context, sessionID, token, reason string) error {
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	return a.do(ctx, http.MethodDelete, "/v1/web-sessions/"+sessionID, token, body, nil)
}

func (a *HTTPSessionAPI) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("websession: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("websession: decode %s %s: %w", method, path, err)
	}
	return nil
}
