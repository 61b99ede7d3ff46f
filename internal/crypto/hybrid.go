// Package crypto provides the node's identity keys and the two primitives the
// envelope protocol is built on:
//
//   - RSA PKCS#1 v1.5 signatures over a SHA-256 digest, and
//   - hybrid encryption: a fresh AES-256-GCM key per message, wrapped to the
//     recipient's RSA key with OAEP-SHA256.
//
// The asymmetric cost is paid once per message regardless of payload size.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// SymmetricKeySize is the AES-256 key length.
	SymmetricKeySize = 32
	// NonceSize is the 96-bit GCM nonce length.
	NonceSize = 12
)

var (
	// ErrEncryptFailed wraps any failure while sealing a payload.
	ErrEncryptFailed = errors.New("crypto: encrypt failed")

	// ErrDecryptFailed is returned when the wrapped key cannot be recovered
	// or the authentication tag does not match. No plaintext is returned
	// alongside it.
	ErrDecryptFailed = errors.New("crypto: decrypt failed")
)

// EncryptFor seals payload for the holder of recipient's private key.
// Returns the RSA-wrapped symmetric key, the GCM nonce and the ciphertext
// (tag appended).
func EncryptFor(payload []byte, recipient *rsa.PublicKey) (wrappedKey, nonce, ciphertext []byte, err error) {
	if recipient == nil {
		return nil, nil, nil, fmt.Errorf("%w: nil recipient key", ErrEncryptFailed)
	}
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	ciphertext = aead.Seal(nil, nonce, payload, nil)

	wrappedKey, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: wrap key: %v", ErrEncryptFailed, err)
	}
	return wrappedKey, nonce, ciphertext, nil
}

// DecryptFrom reverses EncryptFor using the local identity.
func DecryptFrom(wrappedKey, nonce, ciphertext []byte, id *Identity) ([]byte, error) {
	if id == nil || len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, id.priv, wrappedKey, nil)
	if err != nil || len(key) != SymmetricKeySize {
		return nil, ErrDecryptFailed
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}
