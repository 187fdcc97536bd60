package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore tracks used request nonces for replay protection at the
// transport boundary.
type NonceStore interface {
	IsNonceUsed(ctx context.Context, entityID, nonce string) bool
	MarkNonceUsed(ctx context.Context, entityID, nonce string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisNonceStore backs replay protection with Redis so multiple transport
// frontends can share one nonce space.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore connects to Redis and verifies the connection.
func NewRedisNonceStore(ctx context.Context, redisURL string) (*RedisNonceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisNonceStore{client: client}, nil
}

func nonceKey(entityID, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", entityID, nonce)
}

// IsNonceUsed reports whether the nonce was already seen for the entity.
func (s *RedisNonceStore) IsNonceUsed(ctx context.Context, entityID, nonce string) bool {
	n, err := s.client.Exists(ctx, nonceKey(entityID, nonce)).Result()
	// Fail closed: treat a Redis error as a used nonce.
	return err != nil || n > 0
}

// MarkNonceUsed records the nonce with an expiry. A Set that fails must
// surface: an unrecorded nonce would pass a replay within the auth
// window once Redis recovers.
func (s *RedisNonceStore) MarkNonceUsed(ctx context.Context, entityID, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, nonceKey(entityID, nonce), 1, ttl).Err()
}

// Ping checks the Redis connection.
func (s *RedisNonceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}

// MemoryNonceStore is the single-process fallback used when REDIS_URL is
// not configured.
type MemoryNonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	lastGC time.Time
}

// NewMemoryNonceStore creates an in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time)}
}

// IsNonceUsed reports whether the nonce was already seen for the entity.
func (s *MemoryNonceStore) IsNonceUsed(_ context.Context, entityID, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.seen[nonceKey(entityID, nonce)]
	return ok && time.Now().Before(expiry)
}

// MarkNonceUsed records the nonce, garbage-collecting expired entries at
// most once a minute.
func (s *MemoryNonceStore) MarkNonceUsed(_ context.Context, entityID, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.seen[nonceKey(entityID, nonce)] = now.Add(ttl)

	if now.Sub(s.lastGC) > time.Minute {
		for k, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, k)
			}
		}
		s.lastGC = now
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryNonceStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryNonceStore) Close() error { return nil }
