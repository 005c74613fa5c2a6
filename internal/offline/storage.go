package offline

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps queued entries in a Redis list. LPUSH puts the newest
// entry at the head, so the tail holds the oldest.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// NewRedisStorage builds storage over the given list key.
func NewRedisStorage(client *redis.Client, key string) *RedisStorage {
	if key == "" {
		key = "geopresence:offline"
	}
	return &RedisStorage{client: client, key: key}
}

// Append pushes an entry onto the head of the list.
func (s *RedisStorage) Append(ctx context.Context, entry []byte) error {
	return s.client.LPush(ctx, s.key, entry).Err()
}

// List returns all entries oldest-first.
func (s *RedisStorage) List(ctx context.Context) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	// LRANGE yields head (newest) to tail (oldest); reverse.
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[len(vals)-1-i] = []byte(v)
	}
	return out, nil
}

// TrimOldest drops the n oldest entries (the list tail). Entries enqueued
// during a flush stay at the head untouched.
func (s *RedisStorage) TrimOldest(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return s.client.LTrim(ctx, s.key, 0, int64(-n-1)).Err()
}

// MemoryStorage is a non-durable in-process backend for dev and tests.
type MemoryStorage struct {
	mu      sync.Mutex
	entries [][]byte
}

// NewMemoryStorage creates empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append adds an entry at the tail (newest).
func (s *MemoryStorage) Append(ctx context.Context, entry []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(entry))
	copy(cp, entry)
	s.mu.Lock()
	s.entries = append(s.entries, cp)
	s.mu.Unlock()
	return nil
}

// List returns all entries oldest-first.
func (s *MemoryStorage) List(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// TrimOldest drops the n oldest entries.
func (s *MemoryStorage) TrimOldest(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.entries) {
		n = len(s.entries)
	}
	s.entries = s.entries[n:]
	return nil
}

// Len reports the number of queued entries.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
