package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// KeyBits is the modulus size of generated identity keys.
const KeyBits = 2048

// Identity is the node's long-term RSA key pair. The public half travels in
// every envelope as PKIX DER.
type Identity struct {
	priv   *rsa.PrivateKey
	pubDER []byte
}

// NewIdentity wraps an existing private key.
func NewIdentity(priv *rsa.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return &Identity{priv: priv, pubDER: der}, nil
}

// GenerateIdentity creates a fresh RSA-2048 identity.
func GenerateIdentity() (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return NewIdentity(priv)
}

// Public returns the public half of the identity.
func (id *Identity) Public() *rsa.PublicKey {
	return &id.priv.PublicKey
}

// PublicDER returns a copy of the PKIX DER encoding of the public key.
func (id *Identity) PublicDER() []byte {
	return append([]byte(nil), id.pubDER...)
}

// Fingerprint returns the short fingerprint of this identity's public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.pubDER)
}

// Fingerprint hashes a DER public key with SHA-256 and returns the first
// 10 bytes as hex.
func Fingerprint(pubDER []byte) string {
	sum := sha256.Sum256(pubDER)
	return hex.EncodeToString(sum[:10])
}

// ParsePublicKey decodes a PKIX DER RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypto: public key is not RSA")
	}
	return pub, nil
}

// Save writes the private key to path as PKCS#8 DER. With a non-empty
// passphrase the DER is sealed first (see sealKey).
func (id *Identity) Save(path, passphrase string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return fmt.Errorf("crypto: marshal private key: %w", err)
	}
	out := der
	if passphrase != "" {
		if out, err = sealKey(passphrase, der); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// LoadIdentity reads a key written by Save.
func LoadIdentity(path, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isSealed(raw) {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		if raw, err = openKey(passphrase, raw); err != nil {
			return nil, err
		}
	}
	k, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypto: private key is not RSA")
	}
	return NewIdentity(priv)
}

// LoadOrGenerate loads the identity at path, or generates and persists a new
// one if the file does not exist. created reports which happened.
func LoadOrGenerate(path, passphrase string) (id *Identity, created bool, err error) {
	id, err = LoadIdentity(path, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	if id, err = GenerateIdentity(); err != nil {
		return nil, false, err
	}
	if err := id.Save(path, passphrase); err != nil {
		return nil, false, fmt.Errorf("crypto: save identity: %w", err)
	}
	return id, true, nil
}

func isSealed(raw []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}
