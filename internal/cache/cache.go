// Package cache wraps the shared Redis backend used for inter-ingester data
// exchange and for the distributed claim lock. All keys live under the
// chomp: namespace except claim records, which use claim:<name>:<epoch>.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewFromClient is used by tests to point the store at miniredis.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the raw bytes at key, or (nil, false, nil) when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent is the compare-and-set primitive backing the claim lock.
// Returns true when this caller created the key.
func (s *Store) SetIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// SetMap stores a field map msgpack-encoded. Ingester snapshots go through
// here so processors can decode them back into structured values.
func (s *Store) SetMap(ctx context.Context, key string, m map[string]any, ttl time.Duration) error {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return s.Set(ctx, key, b, ttl)
}

// GetMap fetches and decodes a msgpack field map. Absent keys yield nil.
func (s *Store) GetMap(ctx context.Context, key string) (map[string]any, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var m map[string]any
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return m, nil
}

// IngesterKey is the snapshot key for an ingester's latest field values.
func IngesterKey(name string) string {
	return "chomp:" + name
}

// LastBlockKey tracks a chain logger's per-contract block cursor.
func LastBlockKey(chainID, addr string) string {
	return fmt.Sprintf("chomp:lastblock:%s:%s", chainID, addr)
}
