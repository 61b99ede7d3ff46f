package node

import "sync/atomic"

// Metrics holds counters for the send and receive paths.
type Metrics struct {
	sent    atomic.Int64
	cached  atomic.Int64
	retried atomic.Int64

	received           atomic.Int64
	delivered          atomic.Int64
	droppedParse       atomic.Int64
	droppedDecrypt     atomic.Int64
	droppedSignature   atomic.Int64
	droppedReplay      atomic.Int64
	droppedKeyMismatch atomic.Int64
}

// Snapshot returns the current counter values by name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"sent":                 m.sent.Load(),
		"cached":               m.cached.Load(),
		"retried":              m.retried.Load(),
		"received":             m.received.Load(),
		"delivered":            m.delivered.Load(),
		"dropped_parse":        m.droppedParse.Load(),
		"dropped_decrypt":      m.droppedDecrypt.Load(),
		"dropped_signature":    m.droppedSignature.Load(),
		"dropped_replay":       m.droppedReplay.Load(),
		"dropped_key_mismatch": m.droppedKeyMismatch.Load(),
	}
}
