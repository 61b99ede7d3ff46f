// Package radio adapts a short-range radio (BLE) to the node: peers are found
// by scanning for advertised names "DTN:<eid>", and bundles are written to a
// peer in small acknowledged chunks with a pause between chunks so the
// radio's MTU and buffers are respected.
//
// The radio stack itself sits behind Link and Scanner.
package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Scheme prefixes radio addresses in the peer directory.
	Scheme = "ble:"
	// NamePrefix prefixes the advertised name of every node.
	NamePrefix = "DTN:"

	DefaultChunkSize    = 200
	DefaultPacing       = 20 * time.Millisecond
	DefaultScanInterval = 5 * time.Second
)

var (
	// ErrUnavailable is returned when no radio adapter is present.
	ErrUnavailable = errors.New("radio: no adapter available")

	// ErrSendFailed wraps any failure while writing to a peer.
	ErrSendFailed = errors.New("radio: send failed")
)

// Link opens connections to peers by advertised name.
type Link interface {
	Connect(ctx context.Context, name string) (Conn, error)
}

// Conn is a connection to one peer's bundle characteristic.
type Conn interface {
	// WriteWithResponse writes one chunk and waits for the peer's
	// acknowledgement.
	WriteWithResponse(ctx context.Context, chunk []byte) error
	Close() error
}

// Scanner lists the names currently advertised by nearby devices.
type Scanner interface {
	Names(ctx context.Context) ([]string, error)
}

// AdvertisedName returns the name a node with the given EID advertises.
func AdvertisedName(eid string) string { return NamePrefix + eid }

// Sender writes bundles over a Link.
type Sender struct {
	link      Link
	chunkSize int
	pacing    time.Duration
}

// NewSender returns a Sender. Non-positive chunkSize or negative pacing
// select the defaults.
func NewSender(link Link, chunkSize int, pacing time.Duration) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if pacing < 0 {
		pacing = DefaultPacing
	}
	return &Sender{link: link, chunkSize: chunkSize, pacing: pacing}
}

// Send delivers data to the peer at addr ("ble:<eid>"). Each chunk is
// acknowledged before the next is written; the first failure aborts.
func (s *Sender) Send(ctx context.Context, addr string, data []byte) error {
	if !strings.HasPrefix(addr, Scheme) {
		return fmt.Errorf("%w: %q is not a radio address", ErrSendFailed, addr)
	}
	name := AdvertisedName(strings.TrimPrefix(addr, Scheme))
	conn, err := s.link.Connect(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %w", ErrSendFailed, name, err)
	}
	defer conn.Close()

	for off := 0; off < len(data); off += s.chunkSize {
		end := min(off+s.chunkSize, len(data))
		if err := conn.WriteWithResponse(ctx, data[off:end]); err != nil {
			return fmt.Errorf("%w: write %s at %d: %w", ErrSendFailed, name, off, err)
		}
		if end < len(data) && s.pacing > 0 {
			t := time.NewTimer(s.pacing)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
			}
		}
	}
	return nil
}

// Unavailable is the Link and Scanner used when the host has no radio.
type Unavailable struct{}

func (Unavailable) Connect(context.Context, string) (Conn, error) { return nil, ErrUnavailable }
func (Unavailable) Names(context.Context) ([]string, error)       { return nil, ErrUnavailable }
