package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCache = []byte("cache")

// BoltStore persists cache records in a bbolt database. Record keys are an
// 8-byte big-endian sequence number followed by the destination, so records
// for the same destination never collide and iterate in insertion order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) dir/cache.db.
func OpenBolt(dir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dir, "cache.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(_ context.Context, msg Msg) (string, error) {
	var key []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCache)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key = make([]byte, 8+len(msg.Dest))
		binary.BigEndian.PutUint64(key, seq)
		copy(key[8:], msg.Dest)
		return bkt.Put(key, msg.Data)
	})
	if err != nil {
		return "", err
	}
	return string(key), nil
}

func (s *BoltStore) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCache)
		for _, k := range keys {
			if err := bkt.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Load(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).ForEach(func(k, v []byte) error {
			if len(k) < 8 {
				return errors.New("cache: short record key")
			}
			out = append(out, Record{
				Key: string(k),
				Msg: Msg{Dest: string(k[8:]), Data: append([]byte(nil), v...)},
			})
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
