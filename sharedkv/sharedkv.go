// Package sharedkv is the small key-value side-channel read by the
// notification extension process. The session writes the current reception
// identifier and notification preimages to it after every preimage refresh.
package sharedkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/opd-ai/mixsession/engine"
	"github.com/redis/go-redis/v9"
)

// Keys written by the session.
const (
	KeyReceptionID = "reception_id"
	KeyPreimages   = "preimages"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

// Store is a byte-valued key-value store.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Set stores a copy of value.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Get returns a copy of the value.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// RedisStore is a Store backed by Redis, for notification processes that run
// on another host.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr, either a redis:// URL or host:port.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		var err error
		if opts, err = redis.ParseURL(addr); err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: "mixsession:"}, nil
}

// Set writes value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

// Get reads key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// WriteNotificationState stores the reception id and the preimage list.
func WriteNotificationState(ctx context.Context, s Store, receptionID []byte, preimages []engine.Preimage) error {
	if err := s.Set(ctx, KeyReceptionID, receptionID); err != nil {
		return fmt.Errorf("write reception id: %w", err)
	}
	raw, err := json.Marshal(preimages)
	if err != nil {
		return fmt.Errorf("marshal preimages: %w", err)
	}
	if err := s.Set(ctx, KeyPreimages, raw); err != nil {
		return fmt.Errorf("write preimages: %w", err)
	}
	return nil
}

// ReadPreimages returns the stored preimage list.
func ReadPreimages(ctx context.Context, s Store) ([]engine.Preimage, error) {
	raw, err := s.Get(ctx, KeyPreimages)
	if err != nil {
		return nil, err
	}
	var out []engine.Preimage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode preimages: %w", err)
	}
	return out, nil
}
