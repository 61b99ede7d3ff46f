// Package status serves a small HTTP API over a running node: the peer
// directory, the retry cache and the node counters, plus two control routes
// (POST /send, PUT /peers/{eid}) that let other commands act through the
// node that owns the data directory. Bind it to a loopback address.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Operative-001/dtnode/internal/cache"
	"github.com/Operative-001/dtnode/internal/crypto"
	"github.com/Operative-001/dtnode/internal/directory"
	"github.com/Operative-001/dtnode/internal/protocol"
)

// maxBody bounds control request bodies.
const maxBody = 1 << 20

// Counters is satisfied by *node.Metrics.
type Counters interface {
	Snapshot() map[string]int64
}

// Sender is satisfied by *node.Node.
type Sender interface {
	EID() string
	Send(ctx context.Context, dest string, kind protocol.Kind, encrypt bool) error
}

// EIDHeader names the endpoint a control request is meant for. A node
// answers 409 Conflict when it is set to another EID.
const EIDHeader = "Dtnode-Eid"

// Server exposes the read routes and, with a Sender, the control routes.
type Server struct {
	dir      *directory.Directory
	cache    *cache.Cache
	counters Counters
	sender   Sender
	log      *zap.Logger
}

// PeerView is one directory entry as served by /peers.
type PeerView struct {
	EID         string `json:"eid"`
	Addr        string `json:"addr"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// CacheView is one cached message as served by /cache.
type CacheView struct {
	Dest string `json:"dest"`
	Size int    `json:"size"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Dest    string `json:"dest"`
	Text    string `json:"text"`
	Urgency uint8  `json:"urgency"`
	Encrypt bool   `json:"encrypt"`
}

// PeerRequest is the body of PUT /peers/{eid}.
type PeerRequest struct {
	Addr   string `json:"addr"`
	PubKey []byte `json:"pub_key,omitempty"` // PKIX DER
}

// New returns a Server. A nil sender disables POST /send.
func New(dir *directory.Directory, c *cache.Cache, counters Counters, sender Sender, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dir: dir, cache: c, counters: counters, sender: sender, log: log}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/peers/{eid}", s.handlePeer).Methods(http.MethodGet)
	r.Handle("/peers/{eid}", s.forThisNode(s.handlePutPeer)).Methods(http.MethodPut)
	r.Handle("/send", s.forThisNode(s.handleSend)).Methods(http.MethodPost)
	r.HandleFunc("/cache", s.handleCache).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	s.log.Info("status api listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

func peerView(p directory.Peer) PeerView {
	v := PeerView{EID: p.EID, Addr: p.Addr}
	if len(p.PubKey) > 0 {
		v.Fingerprint = crypto.Fingerprint(p.PubKey)
	}
	return v
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.dir.All()
	out := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView(p))
	}
	writeJSON(w, out)
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	eid := mux.Vars(r)["eid"]
	p, ok := s.dir.Lookup(eid)
	if !ok {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, peerView(p))
}

func (s *Server) handlePutPeer(w http.ResponseWriter, r *http.Request) {
	eid := mux.Vars(r)["eid"]
	var req PeerRequest
	if err := decodeBody(w, r, &req); err != nil || req.Addr == "" {
		http.Error(w, "body must be {\"addr\": ..., \"pub_key\": ...} with a non-empty addr", http.StatusBadRequest)
		return
	}
	if len(req.PubKey) > 0 {
		if _, err := crypto.ParsePublicKey(req.PubKey); err != nil {
			http.Error(w, "pub_key is not a valid public key", http.StatusBadRequest)
			return
		}
	}
	if err := s.dir.Add(eid, req.Addr); err != nil {
		s.log.Error("add peer", zap.String("peer", eid), zap.Error(err))
		http.Error(w, "add peer failed", http.StatusInternalServerError)
		return
	}
	if len(req.PubKey) > 0 {
		if err := s.dir.SetPublicKey(eid, req.PubKey); err != nil {
			s.log.Error("set peer key", zap.String("peer", eid), zap.Error(err))
			http.Error(w, "set public key failed", http.StatusInternalServerError)
			return
		}
	}
	s.log.Info("peer added", zap.String("peer", eid), zap.String("addr", req.Addr))
	p, _ := s.dir.Lookup(eid)
	writeJSON(w, peerView(p))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, "sending is not enabled", http.StatusServiceUnavailable)
		return
	}
	var req SendRequest
	if err := decodeBody(w, r, &req); err != nil || req.Dest == "" {
		http.Error(w, "body must be {\"dest\", \"text\", \"urgency\", \"encrypt\"} with a non-empty dest", http.StatusBadRequest)
		return
	}
	alert := protocol.Alert{Text: req.Text, Urgency: req.Urgency}
	if err := s.sender.Send(r.Context(), req.Dest, alert, req.Encrypt); err != nil {
		s.log.Error("send", zap.String("dest", req.Dest), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// forThisNode rejects control requests addressed to a different node.
func (s *Server) forThisNode(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := r.Header.Get(EIDHeader)
		if want != "" && s.sender != nil && want != s.sender.EID() {
			http.Error(w, "this node is "+s.sender.EID(), http.StatusConflict)
			return
		}
		next(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	msgs := s.cache.Peek()
	out := make([]CacheView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, CacheView{Dest: m.Dest, Size: len(m.Data)})
	}
	writeJSON(w, out)
}

// handleMetrics writes the counters in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	snap := s.counters.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "# TYPE dtnode_%s_total counter\n", name)
		fmt.Fprintf(w, "dtnode_%s_total %d\n\n", name, snap[name])
	}

	fmt.Fprintf(w, "# HELP dtnode_cache_messages Messages waiting in the retry cache.\n")
	fmt.Fprintf(w, "# TYPE dtnode_cache_messages gauge\n")
	fmt.Fprintf(w, "dtnode_cache_messages %d\n\n", s.cache.Len())

	fmt.Fprintf(w, "# HELP dtnode_peers Known peers.\n")
	fmt.Fprintf(w, "# TYPE dtnode_peers gauge\n")
	fmt.Fprintf(w, "dtnode_peers %d\n", len(s.dir.All()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
