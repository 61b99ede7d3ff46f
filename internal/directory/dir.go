// Package directory maintains the peer directory: which address reaches each
// EID, and which public key each EID has been seen signing with.
//
// The address scheme selects the transport: "ble:<name>" goes over the radio,
// anything else over the bundle transport. Addresses are last-write-wins.
// Public keys are pinned trust-on-first-use.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// RadioScheme prefixes addresses handled by the radio transport.
const RadioScheme = "ble:"

var bucketPeers = []byte("peers")

// Peer is one directory entry.
type Peer struct {
	EID    string `json:"eid"`
	Addr   string `json:"addr"`
	PubKey []byte `json:"pub_key,omitempty"` // PKIX DER, nil until known
}

// IsRadio reports whether addr is handled by the radio transport.
func IsRadio(addr string) bool {
	return strings.HasPrefix(addr, RadioScheme)
}

// Directory is an in-memory peer map, optionally written through to bbolt.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]Peer

	db *bolt.DB // nil for a memory-only directory
}

// NewMemory returns a directory that is not persisted.
func NewMemory() *Directory {
	return &Directory{peers: make(map[string]Peer)}
}

// Open opens (or creates) dir/directory.db and loads every stored peer.
func Open(dir string) (*Directory, error) {
	db, err := bolt.Open(filepath.Join(dir, "directory.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	d := &Directory{peers: make(map[string]Peer), db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketPeers)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(_, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			d.peers[p.EID] = p
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database, if any.
func (d *Directory) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Add inserts or overwrites the address for eid. A known public key is kept.
func (d *Directory) Add(eid, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peers[eid]
	p.EID, p.Addr = eid, addr
	return d.putLocked(p)
}

// Get returns the address recorded for eid.
func (d *Directory) Get(eid string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[eid]
	if !ok || p.Addr == "" {
		return "", false
	}
	return p.Addr, true
}

// Lookup returns the full entry for eid.
func (d *Directory) Lookup(eid string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[eid]
	if ok {
		p.PubKey = append([]byte(nil), p.PubKey...)
	}
	return p, ok
}

// All returns a snapshot of every entry, sorted by EID.
func (d *Directory) All() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		p.PubKey = append([]byte(nil), p.PubKey...)
		out = append(out, p)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EID < out[j].EID })
	return out
}

// PublicKey returns the pinned public key for eid, if any.
func (d *Directory) PublicKey(eid string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[eid]
	if !ok || len(p.PubKey) == 0 {
		return nil, false
	}
	return append([]byte(nil), p.PubKey...), true
}

// SetPublicKey records der for eid, replacing any pinned key. Used for keys
// exchanged out of band.
func (d *Directory) SetPublicKey(eid string, der []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.peers[eid]
	p.EID = eid
	p.PubKey = append([]byte(nil), der...)
	return d.putLocked(p)
}

// Pin records der as eid's key if none is known. It reports false if a
// different key is already pinned.
func (d *Directory) Pin(eid string, der []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[eid]
	if ok && len(p.PubKey) > 0 {
		return bytes.Equal(p.PubKey, der), nil
	}
	p.EID = eid
	p.PubKey = append([]byte(nil), der...)
	return true, d.putLocked(p)
}

// Discovered records a radio-discovered EID under a radio address. Known
// EIDs are left untouched. It reports whether an entry was added.
func (d *Directory) Discovered(eid string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[eid]; ok && p.Addr != "" {
		return false, nil
	}
	p := d.peers[eid]
	p.EID, p.Addr = eid, RadioScheme+eid
	return true, d.putLocked(p)
}

// Learn replaces a radio address for eid with origin, the address the
// bundle transport reported for a verified message from eid. Non-radio
// addresses and empty origins leave the entry unchanged.
//
// The origin is transport metadata and is not covered by the envelope
// signature: whoever delivers a genuine envelope first decides it. The TCP
// transport limits this to the host of the delivering connection.
func (d *Directory) Learn(eid, origin string) (bool, error) {
	if origin == "" {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[eid]
	if !ok || !IsRadio(p.Addr) {
		return false, nil
	}
	p.Addr = origin
	return true, d.putLocked(p)
}

// Watch consumes discovery events until ctx is done or events is closed.
// It is the only task that applies discoveries to the directory.
func (d *Directory) Watch(ctx context.Context, events <-chan string, onAdd func(eid string, err error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case eid, ok := <-events:
			if !ok {
				return
			}
			added, err := d.Discovered(eid)
			if (added || err != nil) && onAdd != nil {
				onAdd(eid, err)
			}
		}
	}
}

// putLocked stores p in memory, then in bbolt. Callers hold d.mu.
func (d *Directory) putLocked(p Peer) error {
	d.peers[p.EID] = p
	if d.db == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(p.EID), data)
	})
}
