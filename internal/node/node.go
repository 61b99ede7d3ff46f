// Package node implements the store-and-forward engine.
//
// Design:
//   - Send composes and signs an envelope, seals it when the destination key
//     is known, and hands it to the radio or the bundle transport depending
//     on the destination's address. Anything that cannot be handed off now
//     goes to the durable cache.
//   - The run loop alternates a retry pass over the cache with one bounded
//     receive. Received envelopes are opened, checked against the replay
//     window, verified, pinned to the sender's key and delivered.
//   - Receive-path failures never stop the loop; they are logged and the
//     envelope is dropped.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Operative-001/dtnode/internal/cache"
	"github.com/Operative-001/dtnode/internal/crypto"
	"github.com/Operative-001/dtnode/internal/directory"
	"github.com/Operative-001/dtnode/internal/protocol"
	"github.com/Operative-001/dtnode/internal/seen"
	"github.com/Operative-001/dtnode/internal/transport"
)

const (
	defaultReceiveTimeout = 10 * time.Second
	deliveryQueueDepth    = 64
)

// errNoRoute is returned by route when the destination has no address.
var errNoRoute = errors.New("node: no route to destination")

// Radio is the radio collaborator used for "ble:" addresses.
type Radio interface {
	Send(ctx context.Context, addr string, data []byte) error
}

// Config configures a Node.
type Config struct {
	EID       string
	Identity  *crypto.Identity
	Bundle    transport.Bundle
	Radio     Radio // nil: radio addresses are unreachable
	Directory *directory.Directory
	Cache     *cache.Cache
	Logger    *zap.Logger

	ReceiveTimeout time.Duration // bound on one receive; defaults to 10s
	// ReplayWindow drops a second envelope with the same signature seen
	// within the window. Signatures are deterministic, so an identical
	// alert resent within the same second is dropped too. 0 disables it.
	ReplayWindow time.Duration
	Now          func() time.Time // defaults to time.Now
}

// Delivery is a verified message addressed to this node.
type Delivery struct {
	From      string
	Kind      protocol.Kind
	Timestamp uint64
	Encrypted bool
	Origin    string
}

// Node is the store-and-forward engine.
type Node struct {
	cfg        Config
	log        *zap.Logger
	dir        *directory.Directory
	cache      *cache.Cache
	bundle     transport.Bundle
	radio      Radio
	seen       *seen.Cache // nil when the replay window is off
	metrics    *Metrics
	deliveries chan Delivery
}

// New creates a Node.
func New(cfg Config) (*Node, error) {
	switch {
	case cfg.EID == "":
		return nil, errors.New("node: missing local EID")
	case cfg.Identity == nil:
		return nil, errors.New("node: missing identity")
	case cfg.Bundle == nil:
		return nil, errors.New("node: missing bundle transport")
	case cfg.Directory == nil:
		return nil, errors.New("node: missing directory")
	case cfg.Cache == nil:
		return nil, errors.New("node: missing cache")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var window *seen.Cache
	if cfg.ReplayWindow > 0 {
		window = seen.New(cfg.ReplayWindow)
	}
	return &Node{
		cfg:        cfg,
		log:        cfg.Logger.With(zap.String("eid", cfg.EID)),
		dir:        cfg.Directory,
		cache:      cfg.Cache,
		bundle:     cfg.Bundle,
		radio:      cfg.Radio,
		seen:       window,
		metrics:    &Metrics{},
		deliveries: make(chan Delivery, deliveryQueueDepth),
	}, nil
}

// Close stops the replay window. Transport, directory and cache belong to
// the caller.
func (n *Node) Close() {
	if n.seen != nil {
		n.seen.Stop()
	}
}

// EID returns the node's endpoint ID.
func (n *Node) EID() string {
	return n.cfg.EID
}

// Deliveries returns the channel verified messages are delivered on.
func (n *Node) Deliveries() <-chan Delivery {
	return n.deliveries
}

// Metrics returns the node's counters.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Send signs kind as this node and dispatches it to dest. With encrypt set
// the envelope is sealed to dest's known key; without a known key it goes
// out unsealed. Undeliverable envelopes are cached, which is not an error.
// Only local failures and a failed cache write are returned.
func (n *Node) Send(ctx context.Context, dest string, kind protocol.Kind, encrypt bool) error {
	signed, err := protocol.Compose(n.cfg.EID, kind, uint64(n.cfg.Now().Unix()), n.cfg.Identity)
	if err != nil {
		return fmt.Errorf("node: compose: %w", err)
	}
	env := signed.Envelope()
	if encrypt {
		if env, err = n.seal(signed, dest); err != nil {
			return err
		}
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("node: encode: %w", err)
	}
	return n.dispatch(ctx, dest, data)
}

// seal encrypts signed to dest's recorded key, or returns it unsealed when
// no usable key is recorded.
func (n *Node) seal(signed *protocol.Signed, dest string) (*protocol.Envelope, error) {
	der, ok := n.dir.PublicKey(dest)
	if !ok {
		n.log.Warn("no public key for destination, sending unencrypted", zap.String("dest", dest))
		return signed.Envelope(), nil
	}
	pub, err := crypto.ParsePublicKey(der)
	if err != nil {
		n.log.Warn("unusable public key for destination, sending unencrypted",
			zap.String("dest", dest), zap.Error(err))
		return signed.Envelope(), nil
	}
	env, err := protocol.Seal(signed, pub)
	if err != nil {
		return nil, fmt.Errorf("node: seal: %w", err)
	}
	return env, nil
}
