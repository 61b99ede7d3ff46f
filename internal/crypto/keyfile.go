package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// keyFileVersion is the current sealed key file format.
const keyFileVersion = 1

var (
	// ErrPassphraseRequired is returned when a sealed key file is loaded
	// without a passphrase.
	ErrPassphraseRequired = errors.New("crypto: identity is passphrase protected")

	// ErrWrongPassphrase is returned when a sealed key file fails to open.
	ErrWrongPassphrase = errors.New("crypto: wrong passphrase or corrupted identity")
)

// sealedKey is the on-disk JSON form of a passphrase-protected key.
type sealedKey struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// scryptParams are the key derivation cost parameters for new files.
func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

func sealKey(passphrase string, der []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// The key is unique per salt, so a zero nonce is never reused.
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], der, salt[:])
	return json.Marshal(sealedKey{V: keyFileVersion, Salt: salt[:], N: N, R: r, P: p, Cipher: ct})
}

func openKey(passphrase string, raw []byte) ([]byte, error) {
	var sk sealedKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, fmt.Errorf("crypto: read sealed key: %w", err)
	}
	if sk.V > keyFileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", sk.V)
	}
	key, err := scrypt.Key([]byte(passphrase), sk.Salt, sk.N, sk.R, sk.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	der, err := aead.Open(nil, nonce[:], sk.Cipher, sk.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return der, nil
}
