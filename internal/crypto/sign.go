package crypto

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrSignFailed wraps any failure while producing a signature.
var ErrSignFailed = errors.New("crypto: sign failed")

// Sign hashes data with SHA-256 and signs the digest with PKCS#1 v1.5.
// The signature is deterministic for a given key and input.
func Sign(data []byte, id *Identity) ([]byte, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: no identity", ErrSignFailed)
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(nil, id.priv, stdcrypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of data under pub.
// A bad signature is not an error.
func Verify(data, sig []byte, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, stdcrypto.SHA256, digest[:], sig) == nil
}
