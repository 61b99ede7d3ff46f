package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Operative-001/dtnode/internal/protocol"
	"github.com/Operative-001/dtnode/internal/seen"
	"github.com/Operative-001/dtnode/internal/transport"
)

// Run alternates a retry pass with one bounded receive until ctx is done or
// the bundle transport fails.
func (n *Node) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := n.RetryPass(ctx); err != nil {
			n.log.Warn("retry pass", zap.Error(err))
		}
		if err := n.ReceiveOnce(ctx); err != nil {
			return err
		}
	}
}

// ReceiveOnce waits up to the receive timeout for one bundle and runs it
// through the pipeline. A timeout, a cancelled ctx and a dropped envelope
// all return nil; only transport failures are returned.
func (n *Node) ReceiveOnce(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, n.cfg.ReceiveTimeout)
	in, err := n.bundle.Receive(rctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("node: receive: %w", err)
	}
	n.handle(ctx, in)
	return nil
}

func (n *Node) handle(ctx context.Context, in transport.Inbound) {
	n.metrics.received.Add(1)
	log := n.log.With(zap.String("origin", in.Origin))

	s, encrypted, err := protocol.Open(in.Data, n.cfg.Identity)
	if err != nil {
		if errors.Is(err, protocol.ErrDecrypt) {
			n.metrics.droppedDecrypt.Add(1)
		} else {
			n.metrics.droppedParse.Add(1)
		}
		log.Warn("dropping envelope", zap.Error(err))
		return
	}
	log = log.With(zap.String("sender", s.Sender))

	key := seen.KeyOf(s.Sig)
	if n.seen != nil && n.seen.Has(key) {
		n.metrics.droppedReplay.Add(1)
		log.Info("dropping replayed envelope")
		return
	}
	if err := s.Verify(); err != nil {
		n.metrics.droppedSignature.Add(1)
		log.Warn("dropping envelope", zap.Error(err))
		return
	}
	ok, err := n.dir.Pin(s.Sender, s.SenderPub)
	if err != nil {
		log.Warn("persisting sender key", zap.Error(err))
	}
	if !ok {
		n.metrics.droppedKeyMismatch.Add(1)
		log.Warn("dropping envelope: sender key does not match pinned key")
		return
	}
	if n.seen != nil {
		n.seen.Add(key)
	}

	d := Delivery{
		From:      s.Sender,
		Kind:      s.Kind,
		Timestamp: s.Timestamp,
		Encrypted: encrypted,
		Origin:    in.Origin,
	}
	select {
	case n.deliveries <- d:
		n.metrics.delivered.Add(1)
	case <-ctx.Done():
		return
	}

	learned, err := n.dir.Learn(s.Sender, in.Origin)
	if err != nil {
		log.Warn("persisting learned address", zap.Error(err))
	}
	if learned {
		log.Info("learned address")
	}
}
