package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Operative-001/dtnode/internal/crypto"
)

var (
	idsOnce sync.Once
	alice   *crypto.Identity
	bob     *crypto.Identity
	idsErr  error
)

func identities(t *testing.T) (*crypto.Identity, *crypto.Identity) {
	t.Helper()
	idsOnce.Do(func() {
		if alice, idsErr = crypto.GenerateIdentity(); idsErr != nil {
			return
		}
		bob, idsErr = crypto.GenerateIdentity()
	})
	if idsErr != nil {
		t.Fatal(idsErr)
	}
	return alice, bob
}

func TestCanonicalGolden(t *testing.T) {
	got, err := Canonical("alice", Alert{Text: "flood <&> levee", Urgency: 9}, 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	want := `["alice",{"Alert":{"text":"flood <&> levee","urgency":9}},1700000000]`
	if string(got) != want {
		t.Fatalf("canonical encoding\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalNilKind(t *testing.T) {
	if _, err := Canonical("alice", nil, 1); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestComposeVerify(t *testing.T) {
	a, _ := identities(t)
	s, err := Compose("alice", Alert{Text: "hi", Urgency: 1}, 42, a)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	raw, err := s.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, encrypted, err := Open(raw, a)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if encrypted {
		t.Fatal("plain envelope reported as encrypted")
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("Verify after decode: %v", err)
	}
	if got.Kind != (Alert{Text: "hi", Urgency: 1}) || got.Timestamp != 42 || got.Sender != "alice" {
		t.Fatalf("decoded envelope mismatch: %+v", got)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	a, b := identities(t)
	s, err := Compose("alice", Alert{Text: "evacuate", Urgency: 9}, 100, a)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(c *Signed){
		"sender":      func(c *Signed) { c.Sender = "mallory" },
		"kind":        func(c *Signed) { c.Kind = Alert{Text: "stay", Urgency: 9} },
		"timestamp":   func(c *Signed) { c.Timestamp++ },
		"key":         func(c *Signed) { c.SenderPub = b.PublicDER() },
		"garbage key": func(c *Signed) { c.SenderPub = []byte{1, 2, 3} },
	}
	for name, mutate := range cases {
		c := *s
		mutate(&c)
		if err := c.Verify(); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("%s: expected ErrBadSignature, got %v", name, err)
		}
	}
}

func TestSealOpen(t *testing.T) {
	a, b := identities(t)
	s, err := Compose("alice", Alert{Text: "secret", Urgency: 5}, 7, a)
	if err != nil {
		t.Fatal(err)
	}
	env, err := Seal(s, b.Public())
	if err != nil {
		t.Fatal(err)
	}
	if !env.Encrypted || env.Sealed == nil {
		t.Fatal("sealed envelope not marked encrypted")
	}
	if env.Sender != "alice" || !bytes.Equal(env.Sig, s.Sig) {
		t.Fatal("outer header should copy the inner header")
	}

	raw, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	got, encrypted, err := Open(raw, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !encrypted {
		t.Fatal("expected encrypted")
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("inner Verify: %v", err)
	}
	if got.Kind != s.Kind {
		t.Fatal("inner kind mismatch")
	}
}

func TestOpenWrongRecipient(t *testing.T) {
	a, b := identities(t)
	s, _ := Compose("alice", Alert{Text: "for bob", Urgency: 3}, 7, a)
	env, err := Seal(s, b.Public())
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := Encode(env)
	got, encrypted, err := Open(raw, a)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if got != nil || !encrypted {
		t.Fatal("failed open must not return an envelope")
	}
}

func TestDecodeMalformed(t *testing.T) {
	a, _ := identities(t)
	s, _ := Compose("alice", Alert{Text: "x", Urgency: 1}, 1, a)
	good, _ := s.Encode()

	var m map[string]any
	if err := json.Unmarshal(good, &m); err != nil {
		t.Fatal(err)
	}
	mutated := func(f func(map[string]any)) []byte {
		c := make(map[string]any, len(m))
		for k, v := range m {
			c[k] = v
		}
		f(c)
		b, _ := json.Marshal(c)
		return b
	}

	cases := map[string][]byte{
		"not json":      []byte("\x00\x01garbage"),
		"empty":         nil,
		"missing kind":  mutated(func(c map[string]any) { delete(c, "kind") }),
		"two tags":      mutated(func(c map[string]any) { c["kind"] = map[string]any{"Alert": map[string]any{}, "Other": 1} }),
		"bad alert":     mutated(func(c map[string]any) { c["kind"] = map[string]any{"Alert": map[string]any{"text": 5}} }),
		"flag no data":  mutated(func(c map[string]any) { c["encrypted"] = true }),
		"data no flag":  mutated(func(c map[string]any) { c["nonce"] = "AAAA" }),
		"bad timestamp": mutated(func(c map[string]any) { c["timestamp"] = -1 }),
	}
	for name, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, ErrParse) {
			t.Fatalf("%s: expected ErrParse, got %v", name, err)
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	raw := []byte(`{"sender":"x","sender_pub":null,"kind":{"Weather":{"temp":3}},"timestamp":1,"sig":null,"encrypted":false,"enc_key":null,"nonce":null,"ciphertext":null}`)
	_, err := Decode(raw)
	if !errors.Is(err, ErrUnknownKind) || !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrUnknownKind wrapping ErrParse, got %v", err)
	}
}

func TestEncodeRejectsInconsistentEnvelope(t *testing.T) {
	e := &Envelope{Signed: Signed{Sender: "a", Kind: Alert{}}, Encrypted: true}
	if _, err := Encode(e); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestOpenRejectsNestedSeal(t *testing.T) {
	a, b := identities(t)
	s, _ := Compose("alice", Alert{Text: "x", Urgency: 1}, 1, a)
	inner, _ := Seal(s, b.Public())
	innerRaw, _ := Encode(inner)

	wk, nonce, ct, err := crypto.EncryptFor(innerRaw, b.Public())
	if err != nil {
		t.Fatal(err)
	}
	outer := &Envelope{Signed: *s, Encrypted: true, Sealed: &Sealed{EncKey: wk, Nonce: nonce, Ciphertext: ct}}
	raw, _ := Encode(outer)
	if _, _, err := Open(raw, b); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse for nested seal, got %v", err)
	}
}

func TestEncodeBytesAsBase64(t *testing.T) {
	a, _ := identities(t)
	s, err := Compose("alice", Alert{Text: "flood", Urgency: 9}, 1700000000, a)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := s.Encode()
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["sig"][0] != '"' || fields["sender_pub"][0] != '"' {
		t.Fatalf("byte fields should be base64 strings: %s", raw)
	}
}

func TestDecodeAcceptsNumberArrayBytes(t *testing.T) {
	a, _ := identities(t)
	s, err := Compose("alice", Alert{Text: "flood", Urgency: 9}, 1700000000, a)
	if err != nil {
		t.Fatal(err)
	}
	numbers := func(b []byte) []int {
		out := make([]int, len(b))
		for i, c := range b {
			out[i] = int(c)
		}
		return out
	}
	raw, err := json.Marshal(map[string]any{
		"sender":     s.Sender,
		"sender_pub": numbers(s.SenderPub),
		"kind":       map[string]any{"Alert": map[string]any{"text": "flood", "urgency": 9}},
		"timestamp":  s.Timestamp,
		"sig":        numbers(s.Sig),
		"encrypted":  false,
		"enc_key":    nil,
		"nonce":      nil,
		"ciphertext": nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	e, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Signed.Verify(); err != nil {
		t.Fatalf("number-array envelope should verify: %v", err)
	}
}
