package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnreachable means no status API answered at the client's address,
	// usually because no node is listening.
	ErrUnreachable = errors.New("status: node not reachable")
	// ErrOtherNode means the node listening there has a different EID.
	ErrOtherNode = errors.New("status: address belongs to another node")
)

// Client drives the control routes of a running node.
type Client struct {
	base string
	eid  string
	http *http.Client
}

// NewClient returns a Client for the status API at addr (host:port). A
// non-empty eid makes every request fail with ErrOtherNode unless the
// listening node has that EID.
func NewClient(addr, eid string) *Client {
	return &Client{
		base: "http://" + addr,
		eid:  eid,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// SendAlert asks the node to send an alert. A nil error means the node
// has either forwarded it or cached it for retry.
func (c *Client) SendAlert(ctx context.Context, req SendRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/send", req, http.StatusAccepted)
	return err
}

// AddPeer adds or updates eid in the node's directory.
func (c *Client) AddPeer(ctx context.Context, eid string, req PeerRequest) (PeerView, error) {
	body, err := c.do(ctx, http.MethodPut, "/peers/"+url.PathEscape(eid), req, http.StatusOK)
	if err != nil {
		return PeerView{}, err
	}
	var v PeerView
	if err := json.Unmarshal(body, &v); err != nil {
		return PeerView{}, fmt.Errorf("status: decode peer: %w", err)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.eid != "" {
		req.Header.Set(EIDHeader, c.eid)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("status: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("status: read response: %w", err)
	}
	if resp.StatusCode == http.StatusConflict && c.eid != "" {
		return nil, fmt.Errorf("%w: %s", ErrOtherNode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("status: %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
