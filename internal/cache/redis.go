package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists cache records in Redis: one list per destination
// ("<prefix>:to:<dest>") plus a set of destinations with pending records.
// Each record carries a sequence number from INCR so list values are unique
// and Load can restore global insertion order.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

type redisRecord struct {
	Seq  int64  `json:"seq"`
	Dest string `json:"dest"`
	Data []byte `json:"data"`
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dtnode"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) listKey(dest string) string { return fmt.Sprintf("%s:to:%s", s.prefix, dest) }
func (s *RedisStore) destsKey() string           { return s.prefix + ":dests" }
func (s *RedisStore) seqKey() string             { return s.prefix + ":seq" }

func (s *RedisStore) Put(ctx context.Context, msg Msg) (string, error) {
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", err
	}
	val, err := json.Marshal(redisRecord{Seq: seq, Dest: msg.Dest, Data: msg.Data})
	if err != nil {
		return "", err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.listKey(msg.Dest), val)
	pipe.SAdd(ctx, s.destsKey(), msg.Dest)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return string(val), nil
}

// deleteRecord removes one record and, in the same atomic step, drops the
// destination from the set once its list is empty.
// KEYS[1] list, KEYS[2] dests set; ARGV[1] record, ARGV[2] destination.
var deleteRecord = redis.NewScript(`
redis.call("LREM", KEYS[1], 1, ARGV[1])
if redis.call("LLEN", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return 0
`)

// Delete removes records by value; the key of a Redis record is its
// serialized value.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		var r redisRecord
		if err := json.Unmarshal([]byte(k), &r); err != nil {
			return fmt.Errorf("cache: bad redis record key: %w", err)
		}
		if err := deleteRecord.Run(ctx, s.rdb, []string{s.listKey(r.Dest), s.destsKey()}, k, r.Dest).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]Record, error) {
	dests, err := s.rdb.SMembers(ctx, s.destsKey()).Result()
	if err != nil {
		return nil, err
	}
	type seqRecord struct {
		seq int64
		rec Record
	}
	var all []seqRecord
	for _, d := range dests {
		vals, err := s.rdb.LRange(ctx, s.listKey(d), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			var r redisRecord
			if err := json.Unmarshal([]byte(v), &r); err != nil {
				return nil, fmt.Errorf("cache: bad redis record: %w", err)
			}
			all = append(all, seqRecord{seq: r.Seq, rec: Record{Key: v, Msg: Msg{Dest: r.Dest, Data: r.Data}}})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]Record, len(all))
	for i, r := range all {
		out[i] = r.rec
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
