package websession

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// keyDomainLabel domain-separates HKDF output so a key derived for one purpose
// can never collide with another protocol's derivation.
const keyDomainLabel = "tether-session-key-v1"

const sessionKeySize = chacha20poly1305.KeySize

// ErrDecryptFailed is returned when an AEAD open fails. No plaintext is ever
// returned on failure.
var ErrDecryptFailed = errors.New("websession: decrypt failed")

// GenerateKeyPair returns a fresh X25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateKeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// SharedSecret computes the X25519 Diffie-Hellman secret.
func SharedSecret(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

// DeriveWrappingKey expands the DH secret into a 32-byte key via HKDF-SHA256.
// The salt binds the key to one session id so keys never cross sessions.
func DeriveWrappingKey(shared [32]byte, sessionID string) ([]byte, error) {
	r := hkdf.New(sha256.New, shared[:], []byte(sessionID), []byte(keyDomainLabel))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key and returns
// nonce(12) followed by the ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a nonce(12)‖ciphertext blob produced by Seal.
func Open(key, blob []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptFailed
	}

	nonce := blob[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != sessionKeySize {
		return nil, fmt.Errorf("websession: key must be %d bytes, got %d", sessionKeySize, len(key))
	}
	return chacha20poly1305.New(key)
}
