package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire discriminants. A variant's tag never changes once released; a
// changed payload shape gets a new tag (for example "AlertV2") so older
// nodes keep parsing the variants they know.
const (
	TagAlert = "Alert"
)

// Kind is the payload of an envelope. The set of kinds is closed: only
// types in this package implement it, and Decode rejects unknown tags.
type Kind interface {
	// Tag returns the wire discriminant.
	Tag() string
	isKind()
}

// Alert is an urgent text notification.
type Alert struct {
	Text    string `json:"text"`
	Urgency uint8  `json:"urgency"`
}

func (Alert) Tag() string { return TagAlert }
func (Alert) isKind()     {}

// encodeKind renders k externally tagged: {"Alert":{"text":...,"urgency":...}}.
func encodeKind(k Kind) (json.RawMessage, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil kind", ErrParse)
	}
	return marshalCanonical(map[string]Kind{k.Tag(): k})
}

func decodeKind(raw json.RawMessage) (Kind, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("%w: kind: %v", ErrParse, err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("%w: kind must have exactly one tag, got %d", ErrParse, len(tagged))
	}
	var (
		tag  string
		body json.RawMessage
	)
	for tag, body = range tagged {
	}

	switch tag {
	case TagAlert:
		var a Alert
		if err := strictUnmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrParse, tag, err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
}

// marshalCanonical is json.Marshal without HTML escaping and without the
// encoder's trailing newline.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
