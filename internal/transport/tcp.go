package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// TCPScheme prefixes direct TCP addresses ("tcp:host:port").
	TCPScheme = "tcp:"

	// MaxFrameSize bounds a single bundle on a TCP link.
	MaxFrameSize = 4 << 20
)

// TCP implements Bundle over direct TCP connections, one connection per
// Send. Framing: 2-byte big-endian origin length, origin, 4-byte big-endian
// payload length, payload. The origin carries the sender's advertised
// listening port; the receiver pairs it with the connection's remote host so
// it can reply.
type TCP struct {
	listenAddr string
	advertise  string
	log        *zap.Logger
	dialer     net.Dialer

	listener net.Listener
	incoming chan Inbound

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed chan struct{}
	once   sync.Once
}

// NewTCP creates a TCP transport listening on listenAddr. advertise is the
// address peers should use to reach this node; it defaults to listenAddr.
func NewTCP(listenAddr, advertise string, log *zap.Logger) *TCP {
	if advertise == "" {
		advertise = listenAddr
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TCP{
		listenAddr: listenAddr,
		advertise:  TCPScheme + strings.TrimPrefix(advertise, TCPScheme),
		log:        log,
		incoming:   make(chan Inbound, 512),
		conns:      make(map[net.Conn]struct{}),
		closed:     make(chan struct{}),
	}
}

// Start begins accepting connections.
func (t *TCP) Start() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

// Addr returns the listener address once started.
func (t *TCP) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCP) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: bundle of %d bytes exceeds frame limit", ErrSendFailed, len(data))
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", strings.TrimPrefix(addr, TCPScheme))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl) //nolint:errcheck
	}
	if err := writeFrame(conn, t.advertise, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (t *TCP) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-t.incoming:
		return in, nil
	case <-t.closed:
		return Inbound{}, ErrClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (t *TCP) Close() error {
	t.once.Do(func() {
		close(t.closed)
		if t.listener != nil {
			t.listener.Close()
		}
		t.mu.Lock()
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()

	for {
		origin, data, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.log.Debug("tcp read", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		select {
		case t.incoming <- Inbound{Data: data, Origin: bindOrigin(origin, conn.RemoteAddr())}:
		case <-t.closed:
			return
		}
	}
}

// bindOrigin keeps only the port of the sender's advertised origin and takes
// the host from the connection itself, so a relaying peer cannot name an
// arbitrary host as the origin of a bundle it forwards.
func bindOrigin(advertised string, remote net.Addr) string {
	tcp, ok := remote.(*net.TCPAddr)
	if !ok {
		return ""
	}
	_, port, err := net.SplitHostPort(strings.TrimPrefix(advertised, TCPScheme))
	if err != nil || port == "" {
		return ""
	}
	return TCPScheme + net.JoinHostPort(tcp.IP.String(), port)
}

func writeFrame(w io.Writer, origin string, data []byte) error {
	buf := make([]byte, 0, 2+len(origin)+4+len(data))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(origin)))
	buf = append(buf, origin...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (origin string, data []byte, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return "", nil, err
	}
	ob := make([]byte, binary.BigEndian.Uint16(hdr[:2]))
	if _, err := io.ReadFull(r, ob); err != nil {
		return "", nil, err
	}
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return "", nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data = make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, err
	}
	return string(ob), data, nil
}
