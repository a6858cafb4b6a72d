// Package dedup remembers which payment notifications have already been
// applied so gateway retries are acknowledged without touching state.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is how long a processed notification is remembered. The gateway
// stops retrying well within it.
const TTL = 48 * time.Hour

const keyFormat = "dedup:webhook:%s"

// Store records processed keys.
type Store interface {
	// Seen reports whether key has been marked and not yet expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key.
	Mark(ctx context.Context, key string) error
}

// Key builds the replay key of a notification.
func Key(gatewayRef, gatewayTxID, status string) string {
	return strings.Join([]string{gatewayRef, gatewayTxID, strings.ToLower(status)}, "|")
}

// RedisStore keeps keys in Redis so replicas share them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: TTL}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, fmt.Sprintf(keyFormat, key)).Result()
	return n > 0, err
}

func (r *RedisStore) Mark(ctx context.Context, key string) error {
	return r.client.SetNX(ctx, fmt.Sprintf(keyFormat, key), time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
}

// Ping implements a readiness check.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryStore keeps keys in process memory. Expired keys are dropped
// lazily.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]time.Time), ttl: TTL, now: time.Now}
}

func (m *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.keys, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = m.now().Add(m.ttl)
	return nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
