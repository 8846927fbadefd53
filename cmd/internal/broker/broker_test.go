package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeIssuer struct {
	calls   atomic.Int64
	details TokenDetails
	err     error
}

func (f *fakeIssuer) Issue(context.Context, string, string) (TokenDetails, error) {
	f.calls.Add(1)
	if f.err != nil {
		return TokenDetails{}, f.err
	}
	return f.details, nil
}

func startTestBroker(t *testing.T, issuer Issuer) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "broker.sock")
	srv, err := NewServer(issuer, ServerOptions{
		SocketPath: socketPath,
		AudienceTokens: map[string]string{
			"sidecar_publisher": "proof-pub",
			"sidecar_consumer":  "proof-con",
		},
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestBroker_IssueAndRequestRoundtrip(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{details: TokenDetails{
		Token:      "backbone-token-1",
		Expires:    time.Now().Add(time.Hour).UnixMilli(),
		ClientID:   "dev-a",
		Issued:     time.Now().UnixMilli(),
		Capability: `{"*":["publish"]}`,
	}}
	socketPath := startTestBroker(t, issuer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	details, err := RequestToken(ctx, socketPath, "proof-pub", "sidecar_publisher", "dev-a")
	if err != nil {
		t.Fatalf("request token: %v", err)
	}
	if details.Token != "backbone-token-1" || details.ClientID != "dev-a" {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestBroker_CachesPerAudienceAndDevice(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{details: TokenDetails{
		Token:   "cached-token",
		Expires: time.Now().Add(time.Hour).UnixMilli(),
	}}
	socketPath := startTestBroker(t, issuer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := RequestToken(ctx, socketPath, "proof-pub", "sidecar_publisher", "dev-a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if got := issuer.calls.Load(); got != 1 {
		t.Fatalf("expected 1 issuer call for cached token, got %d", got)
	}

	// A different device misses the cache.
	if _, err := RequestToken(ctx, socketPath, "proof-pub", "sidecar_publisher", "dev-b"); err != nil {
		t.Fatalf("request other device: %v", err)
	}
	if got := issuer.calls.Load(); got != 2 {
		t.Fatalf("expected 2 issuer calls, got %d", got)
	}
}

func TestBroker_RejectsWrongProofToken(t *testing.T) {
	t.Parallel()

	issuer := &fakeIssuer{details: TokenDetails{Token: "x"}}
	socketPath := startTestBroker(t, issuer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := RequestToken(ctx, socketPath, "wrong-proof", "sidecar_publisher", "dev-a")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if got := issuer.calls.Load(); got != 0 {
		t.Fatalf("expected no issuer calls, got %d", got)
	}
}

func TestBroker_RejectsUnknownAudience(t *testing.T) {
	t.Parallel()

	socketPath := startTestBroker(t, &fakeIssuer{details: TokenDetails{Token: "x"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := RequestToken(ctx, socketPath, "proof-pub", "unknown_audience", "dev-a")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestBroker_IssuerFailureIsRejection(t *testing.T) {
	t.Parallel()

	socketPath := startTestBroker(t, &fakeIssuer{err: errors.New("upstream down")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := RequestToken(ctx, socketPath, "proof-pub", "sidecar_publisher", "dev-a")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestRequestToken_MalformedResponseIsHardFailure(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "bad-broker.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
		_, _ = conn.Write([]byte("definitely not json"))
		_ = conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := RequestToken(ctx, socketPath, "proof", "aud", "dev"); err == nil {
		t.Fatalf("expected failure on malformed response")
	}
}

func TestRequestToken_MissingTokenIsRejection(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "empty-broker.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
		resp, _ := json.Marshal(tokenResponse{OK: true, TokenDetails: json.RawMessage(`{}`)})
		_, _ = conn.Write(resp)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := RequestToken(ctx, socketPath, "proof", "aud", "dev"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}
