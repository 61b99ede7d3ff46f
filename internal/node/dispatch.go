package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Operative-001/dtnode/internal/cache"
	"github.com/Operative-001/dtnode/internal/directory"
	"github.com/Operative-001/dtnode/internal/radio"
)

// dispatch hands data to dest's link, caching it when that is not
// possible. The returned error is a cache write failure; the message is
// still held in memory in that case.
func (n *Node) dispatch(ctx context.Context, dest string, data []byte) error {
	err := n.route(ctx, dest, data)
	if err == nil {
		n.metrics.sent.Add(1)
		return nil
	}
	if errors.Is(err, errNoRoute) {
		n.log.Info("destination unknown, caching", zap.String("dest", dest))
	} else {
		n.log.Warn("send failed, caching", zap.String("dest", dest), zap.Error(err))
	}
	return n.hold(ctx, dest, data)
}

// route resolves dest and sends data over the matching link.
func (n *Node) route(ctx context.Context, dest string, data []byte) error {
	addr, ok := n.dir.Get(dest)
	if !ok || addr == "" {
		return errNoRoute
	}
	if directory.IsRadio(addr) {
		if n.radio == nil {
			return radio.ErrUnavailable
		}
		return n.radio.Send(ctx, addr, data)
	}
	return n.bundle.Send(ctx, addr, data)
}

// hold caches data for dest. The durable write ignores cancellation of ctx:
// a message that is not written here exists only in memory.
func (n *Node) hold(ctx context.Context, dest string, data []byte) error {
	n.metrics.cached.Add(1)
	if err := n.cache.Put(context.WithoutCancel(ctx), cache.Msg{Dest: dest, Data: data}); err != nil {
		n.log.Error("cache write failed", zap.String("dest", dest), zap.Error(err))
		return fmt.Errorf("node: cache %s: %w", dest, err)
	}
	return nil
}

// RetryPass takes every cached message and tries to send it again.
// Messages that still cannot be sent are put back, after any messages
// cached while the pass ran. It returns the number delivered.
//
// Cancelling ctx stops sends but never the cache bookkeeping, so taken
// messages are always written back durably.
func (n *Node) RetryPass(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	store := context.WithoutCancel(ctx)
	pending, err := n.cache.TakeAll(store)
	if err != nil {
		n.log.Warn("cache cleanup failed", zap.Error(err))
	}
	var (
		sent    int
		holdErr error
	)
	for _, m := range pending {
		if err := n.route(ctx, m.Dest, m.Data); err != nil {
			if !errors.Is(err, errNoRoute) {
				n.log.Debug("retry failed", zap.String("dest", m.Dest), zap.Error(err))
			}
			if err := n.cache.Put(store, m); err != nil && holdErr == nil {
				holdErr = fmt.Errorf("node: requeue %s: %w", m.Dest, err)
			}
			continue
		}
		sent++
		n.metrics.sent.Add(1)
		n.metrics.retried.Add(1)
		n.log.Info("cached message delivered", zap.String("dest", m.Dest))
	}
	return sent, holdErr
}
