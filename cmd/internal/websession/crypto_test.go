package websession

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpen_Roundtrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}

	large := make([]byte, 4096)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("rand: %v", err)
	}

	for _, plaintext := range [][]byte{
		{},
		{0x42},
		large,
	} {
		blob, err := Seal(key, plaintext)
		if err != nil {
			t.Fatalf("seal len=%d: %v", len(plaintext), err)
		}

		got, err := Open(key, blob)
		if err != nil {
			t.Fatalf("open len=%d: %v", len(plaintext), err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("roundtrip mismatch for len=%d", len(plaintext))
		}
	}
}

func TestOpen_WrongKeyFailsClosed(t *testing.T) {
	t.Parallel()

	key := make([]byte, sessionKeySize)
	other := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(other); err != nil {
		t.Fatalf("rand: %v", err)
	}

	blob, err := Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := Open(other, blob)
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected no plaintext on failure")
	}
}

func TestOpen_TruncatedBlobFailsClosed(t *testing.T) {
	t.Parallel()

	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}

	if _, err := Open(key, []byte{1, 2, 3}); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDeriveWrappingKey_MismatchedKeypairProducesUnusableKey(t *testing.T) {
	t.Parallel()

	alicePriv, alicePub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bobPriv, bobPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}
	_, evePub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate eve: %v", err)
	}

	const sessionID = "sess-crypto-1"

	abShared, err := SharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("dh a->b: %v", err)
	}
	abKey, err := DeriveWrappingKey(abShared, sessionID)
	if err != nil {
		t.Fatalf("derive a->b: %v", err)
	}

	blob, err := Seal(abKey, []byte("session key material"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// The right counterparty recovers the plaintext.
	baShared, err := SharedSecret(bobPriv, alicePub)
	if err != nil {
		t.Fatalf("dh b->a: %v", err)
	}
	baKey, err := DeriveWrappingKey(baShared, sessionID)
	if err != nil {
		t.Fatalf("derive b->a: %v", err)
	}
	if _, err := Open(baKey, blob); err != nil {
		t.Fatalf("expected matching keypair to decrypt: %v", err)
	}

	// A mismatched keypair fails closed.
	beShared, err := SharedSecret(bobPriv, evePub)
	if err != nil {
		t.Fatalf("dh b->e: %v", err)
	}
	beKey, err := DeriveWrappingKey(beShared, sessionID)
	if err != nil {
		t.Fatalf("derive b->e: %v", err)
	}
	if _, err := Open(beKey, blob); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed with mismatched keypair, got %v", err)
	}
}

func TestDeriveWrappingKey_SessionIDSeparatesKeys(t *testing.T) {
	t.Parallel()

	alicePriv, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, bobPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	shared, err := SharedSecret(alicePriv, bobPub)
	if err != nil {
		t.Fatalf("dh: %v", err)
	}

	k1, err := DeriveWrappingKey(shared, "sess-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveWrappingKey(shared, "sess-2")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatalf("expected distinct keys per session id")
	}
}
