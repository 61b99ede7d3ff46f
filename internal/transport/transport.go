// Package transport defines the bundle transport the node hands envelopes to,
// and provides implementations for direct TCP links, a local DTN daemon over
// websocket, and in-process testing.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrSendFailed wraps any failure to hand bytes to the next hop.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrRecvFailed wraps a receive failure other than cancellation.
	ErrRecvFailed = errors.New("transport: receive failed")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Inbound is one received bundle payload.
type Inbound struct {
	Data []byte
	// Origin is the address the bundle came from, in a form Send accepts.
	// Empty when the transport cannot tell.
	Origin string
}

// Bundle abstracts the store-and-forward bundle layer. The node uses this
// interface exclusively so tests can inject an in-memory transport.
type Bundle interface {
	// Send hands data to the transport for delivery to addr.
	Send(ctx context.Context, addr string, data []byte) error

	// Receive blocks until a bundle arrives or ctx is done, in which case it
	// returns ctx.Err().
	Receive(ctx context.Context) (Inbound, error)

	// Close shuts the transport down. Blocked Receive calls return ErrClosed.
	Close() error
}
