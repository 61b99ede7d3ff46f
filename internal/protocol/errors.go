package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is returned for bytes that are not a well-formed envelope.
	ErrParse = errors.New("protocol: malformed envelope")

	// ErrUnknownKind is a parse error for a kind tag this node does not know.
	ErrUnknownKind = fmt.Errorf("%w: unknown kind", ErrParse)

	// ErrDecrypt is returned when a sealed envelope cannot be opened with
	// the local identity.
	ErrDecrypt = errors.New("protocol: cannot decrypt envelope")

	// ErrBadSignature is returned when the signature does not verify under
	// the sender's embedded public key.
	ErrBadSignature = errors.New("protocol: signature verification failed")
)
