package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryScheme prefixes in-process addresses.
const MemoryScheme = "mem:"

// Hub connects in-process transports. Each endpoint is addressed by
// "mem:<id>".
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Memory
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Memory)}
}

// Endpoint creates (or returns) the transport registered as id.
func (h *Hub) Endpoint(id string) *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.endpoints[id]; ok {
		return m
	}
	m := &Memory{
		hub:      h,
		id:       id,
		incoming: make(chan Inbound, 1024),
		closed:   make(chan struct{}),
	}
	h.endpoints[id] = m
	return m
}

func (h *Hub) lookup(id string) (*Memory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.endpoints[id]
	return m, ok
}

// Memory is an in-process Bundle transport for tests and local demos.
type Memory struct {
	hub      *Hub
	id       string
	incoming chan Inbound

	mu        sync.Mutex
	down      bool
	sent      int
	closeOnce sync.Once

	closed chan struct{}
}

// Addr returns the address other endpoints use to reach m.
func (m *Memory) Addr() string { return MemoryScheme + m.id }

// SetDown makes every Send fail while down is true.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// Sent returns the number of successful sends.
func (m *Memory) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Inject queues data as if it had arrived from origin.
func (m *Memory) Inject(data []byte, origin string) {
	m.incoming <- Inbound{Data: append([]byte(nil), data...), Origin: origin}
}

func (m *Memory) Send(ctx context.Context, addr string, data []byte) error {
	m.mu.Lock()
	down := m.down
	m.mu.Unlock()
	if down {
		return fmt.Errorf("%w: %s: link down", ErrSendFailed, m.id)
	}

	peer, ok := m.hub.lookup(strings.TrimPrefix(addr, MemoryScheme))
	if !ok {
		return fmt.Errorf("%w: no endpoint %q", ErrSendFailed, addr)
	}
	select {
	case <-peer.closed:
		return fmt.Errorf("%w: %q: %v", ErrSendFailed, addr, ErrClosed)
	default:
	}
	select {
	case peer.incoming <- Inbound{Data: append([]byte(nil), data...), Origin: m.Addr()}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	}

	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-m.incoming:
		return in, nil
	case <-m.closed:
		return Inbound{}, ErrClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.hub.mu.Lock()
		delete(m.hub.endpoints, m.id)
		m.hub.mu.Unlock()
	})
	return nil
}
