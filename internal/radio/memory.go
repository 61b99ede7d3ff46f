package radio

import (
	"context"
	"fmt"
	"sync"
)

// Air is an in-process radio medium for tests: devices advertise names,
// and chunks written to a name are collected per name.
type Air struct {
	mu         sync.Mutex
	advertised map[string]struct{}
	chunks     map[string][][]byte
	failAfter  map[string]int // name -> chunks accepted before failing
}

// NewAir returns an empty medium.
func NewAir() *Air {
	return &Air{
		advertised: make(map[string]struct{}),
		chunks:     make(map[string][][]byte),
		failAfter:  make(map[string]int),
	}
}

// Advertise makes name visible to Names and connectable.
func (a *Air) Advertise(name string) {
	a.mu.Lock()
	a.advertised[name] = struct{}{}
	a.mu.Unlock()
}

// FailAfter makes writes to name fail once n chunks have been accepted.
func (a *Air) FailAfter(name string, n int) {
	a.mu.Lock()
	a.failAfter[name] = n
	a.mu.Unlock()
}

// Chunks returns the chunks written to name so far.
func (a *Air) Chunks(name string) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.chunks[name]...)
}

// Received returns the concatenation of the chunks written to name.
func (a *Air) Received(name string) []byte {
	var out []byte
	for _, c := range a.Chunks(name) {
		out = append(out, c...)
	}
	return out
}

func (a *Air) Names(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.advertised))
	for n := range a.advertised {
		out = append(out, n)
	}
	return out, nil
}

func (a *Air) Connect(_ context.Context, name string) (Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.advertised[name]; !ok {
		return nil, fmt.Errorf("peer %q not found", name)
	}
	return &airConn{air: a, name: name}, nil
}

type airConn struct {
	air  *Air
	name string
}

func (c *airConn) WriteWithResponse(_ context.Context, chunk []byte) error {
	c.air.mu.Lock()
	defer c.air.mu.Unlock()
	if n, ok := c.air.failAfter[c.name]; ok && len(c.air.chunks[c.name]) >= n {
		return fmt.Errorf("write to %q not acknowledged", c.name)
	}
	c.air.chunks[c.name] = append(c.air.chunks[c.name], append([]byte(nil), chunk...))
	return nil
}

func (c *airConn) Close() error { return nil }
