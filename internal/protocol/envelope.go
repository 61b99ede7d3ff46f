// Package protocol defines the dtnode envelope: its wire format, the
// canonical encoding that signatures cover, and the compose/seal/open steps.
//
// An envelope is always signed first. Sealing treats the serialized signed
// envelope as an opaque payload, hybrid-encrypts it to the recipient and
// wraps it in an outer envelope with encrypted=true. The outer header fields
// of a sealed envelope are unauthenticated copies; only the decrypted inner
// envelope is trusted.
//
// Byte fields (sender_pub, sig, enc_key, nonce, ciphertext) are written as
// base64 strings. Decode also accepts them as JSON arrays of numbers, the
// form some other node implementations write, but those implementations
// cannot read base64 and so cannot read envelopes from this package.
// Signatures agree either way because the signed tuple has no byte fields.
package protocol

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/Operative-001/dtnode/internal/crypto"
)

// Signed is a plaintext signed envelope.
type Signed struct {
	Sender    string
	SenderPub []byte // PKIX DER
	Kind      Kind
	Timestamp uint64 // seconds since epoch
	Sig       []byte
}

// Sealed is the encrypted form of a serialized Signed envelope.
type Sealed struct {
	EncKey     []byte
	Nonce      []byte
	Ciphertext []byte
}

// Envelope is the record that goes on the wire. Exactly one of the two
// forms is meaningful: Sealed is set iff Encrypted.
type Envelope struct {
	Signed
	Encrypted bool
	Sealed    *Sealed
}

// wireEnvelope is the JSON shape of Envelope. Absent encryption fields are
// encoded as null.
type wireEnvelope struct {
	Sender     string          `json:"sender"`
	SenderPub  []byte          `json:"sender_pub"`
	Kind       json.RawMessage `json:"kind"`
	Timestamp  uint64          `json:"timestamp"`
	Sig        []byte          `json:"sig"`
	Encrypted  bool            `json:"encrypted"`
	EncKey     []byte          `json:"enc_key"`
	Nonce      []byte          `json:"nonce"`
	Ciphertext []byte          `json:"ciphertext"`
}

// Canonical returns the bytes a signature covers: the JSON array
// [sender, kind, timestamp]. Both sides must produce identical bytes.
func Canonical(sender string, kind Kind, timestamp uint64) ([]byte, error) {
	k, err := encodeKind(kind)
	if err != nil {
		return nil, err
	}
	return marshalCanonical([]any{sender, k, timestamp})
}

// Compose builds and signs a plaintext envelope.
func Compose(sender string, kind Kind, timestamp uint64, id *crypto.Identity) (*Signed, error) {
	plain, err := Canonical(sender, kind, timestamp)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(plain, id)
	if err != nil {
		return nil, err
	}
	return &Signed{
		Sender:    sender,
		SenderPub: id.PublicDER(),
		Kind:      kind,
		Timestamp: timestamp,
		Sig:       sig,
	}, nil
}

// Envelope returns the unsealed wire form of s.
func (s *Signed) Envelope() *Envelope {
	return &Envelope{Signed: *s}
}

// Encode serializes the unsealed wire form of s.
func (s *Signed) Encode() ([]byte, error) {
	return Encode(s.Envelope())
}

// Verify checks the signature against the embedded public key.
func (s *Signed) Verify() error {
	pub, err := crypto.ParsePublicKey(s.SenderPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	plain, err := Canonical(s.Sender, s.Kind, s.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !crypto.Verify(plain, s.Sig, pub) {
		return ErrBadSignature
	}
	return nil
}

// Seal encrypts the serialized s to recipient. The outer envelope repeats
// the inner header (sender, key, kind, timestamp, signature).
func Seal(s *Signed, recipient *rsa.PublicKey) (*Envelope, error) {
	inner, err := s.Encode()
	if err != nil {
		return nil, err
	}
	encKey, nonce, ct, err := crypto.EncryptFor(inner, recipient)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Signed:    *s,
		Encrypted: true,
		Sealed:    &Sealed{EncKey: encKey, Nonce: nonce, Ciphertext: ct},
	}, nil
}

// Encode serializes e.
func Encode(e *Envelope) ([]byte, error) {
	if e.Encrypted != (e.Sealed != nil) {
		return nil, fmt.Errorf("%w: encrypted flag does not match sealed payload", ErrParse)
	}
	k, err := encodeKind(e.Kind)
	if err != nil {
		return nil, err
	}
	w := wireEnvelope{
		Sender:    e.Sender,
		SenderPub: e.SenderPub,
		Kind:      k,
		Timestamp: e.Timestamp,
		Sig:       e.Sig,
		Encrypted: e.Encrypted,
	}
	if e.Sealed != nil {
		w.EncKey = e.Sealed.EncKey
		w.Nonce = e.Sealed.Nonce
		w.Ciphertext = e.Sealed.Ciphertext
	}
	return marshalCanonical(w)
}

// Decode parses wire bytes. Any structural problem is ErrParse.
func Decode(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(w.Kind) == 0 || string(w.Kind) == "null" {
		return nil, fmt.Errorf("%w: missing kind", ErrParse)
	}
	kind, err := decodeKind(w.Kind)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		Signed: Signed{
			Sender:    w.Sender,
			SenderPub: w.SenderPub,
			Kind:      kind,
			Timestamp: w.Timestamp,
			Sig:       w.Sig,
		},
		Encrypted: w.Encrypted,
	}
	hasSealed := w.EncKey != nil || w.Nonce != nil || w.Ciphertext != nil
	switch {
	case w.Encrypted && (w.EncKey == nil || w.Nonce == nil || w.Ciphertext == nil):
		return nil, fmt.Errorf("%w: encrypted envelope missing encryption fields", ErrParse)
	case !w.Encrypted && hasSealed:
		return nil, fmt.Errorf("%w: plaintext envelope carries encryption fields", ErrParse)
	case w.Encrypted:
		e.Sealed = &Sealed{EncKey: w.EncKey, Nonce: w.Nonce, Ciphertext: w.Ciphertext}
	}
	return e, nil
}

// Open parses raw and, if it is sealed, decrypts it with id and parses the
// inner envelope. It does not verify the signature.
func Open(raw []byte, id *crypto.Identity) (s *Signed, encrypted bool, err error) {
	outer, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	if !outer.Encrypted {
		return &outer.Signed, false, nil
	}

	pt, err := crypto.DecryptFrom(outer.Sealed.EncKey, outer.Sealed.Nonce, outer.Sealed.Ciphertext, id)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	inner, err := Decode(pt)
	if err != nil {
		return nil, true, err
	}
	if inner.Encrypted {
		return nil, true, fmt.Errorf("%w: nested sealed envelope", ErrParse)
	}
	return &inner.Signed, true, nil
}
