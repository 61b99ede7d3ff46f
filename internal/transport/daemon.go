package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DaemonFrame is the JSON message exchanged with a local DTN daemon over
// its websocket API. Outbound frames set Dst; inbound frames set Src.
type DaemonFrame struct {
	Type string `json:"type"` // "register" | "bundle"
	EID  string `json:"eid,omitempty"`
	Dst  string `json:"dst,omitempty"`
	Src  string `json:"src,omitempty"`
	Data []byte `json:"data,omitempty"`
}

const (
	frameRegister = "register"
	frameBundle   = "bundle"
)

// Daemon is a Bundle transport backed by a DTN daemon running next to the
// node. The daemon owns routing and custody; this side only submits and
// collects bundles for the local EID.
type Daemon struct {
	conn *websocket.Conn
	log  *zap.Logger

	wmu      sync.Mutex // gorilla/websocket allows one concurrent writer
	incoming chan Inbound
	done     chan struct{} // closed when readLoop exits
	readErr  error
	closed   chan struct{}
	once     sync.Once
}

// DialDaemon connects to the daemon at url (ws://host:port/ws) and
// registers eid as the local endpoint.
func DialDaemon(ctx context.Context, url, eid string, log *zap.Logger) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial daemon %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial daemon %s: %w", url, err)
	}
	d := &Daemon{
		conn:     conn,
		log:      log,
		incoming: make(chan Inbound, 256),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	if err := d.write(ctx, DaemonFrame{Type: frameRegister, EID: eid}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: register %s: %w", eid, err)
	}
	go d.readLoop()
	return d, nil
}

func (d *Daemon) Send(ctx context.Context, addr string, data []byte) error {
	if err := d.write(ctx, DaemonFrame{Type: frameBundle, Dst: addr, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (d *Daemon) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-d.incoming:
		return in, nil
	case <-d.closed:
		return Inbound{}, ErrClosed
	case <-d.done:
		select {
		case <-d.closed:
			return Inbound{}, ErrClosed
		default:
		}
		return Inbound{}, fmt.Errorf("%w: %v", ErrRecvFailed, d.readErr)
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (d *Daemon) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closed)
		d.wmu.Lock()
		d.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		d.wmu.Unlock()
		err = d.conn.Close()
	})
	return err
}

func (d *Daemon) write(ctx context.Context, f DaemonFrame) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Time{}
	}
	d.conn.SetWriteDeadline(dl) //nolint:errcheck
	return d.conn.WriteJSON(f)
}

func (d *Daemon) readLoop() {
	defer close(d.done)
	for {
		var f DaemonFrame
		if err := d.conn.ReadJSON(&f); err != nil {
			d.readErr = err
			return
		}
		if f.Type != frameBundle {
			d.log.Debug("daemon: ignoring frame", zap.String("type", f.Type))
			continue
		}
		select {
		case d.incoming <- Inbound{Data: f.Data, Origin: f.Src}:
		case <-d.closed:
			return
		}
	}
}
