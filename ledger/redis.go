package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the key/value slice of the log-service client the Redis store
// needs. The relay's eventlog.Client satisfies it, so the ledger rides on
// the same connection as the streams it guards.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps the ledger on the log service itself, which makes
// suppression visible to every consumer instance sharing the group.
//
// Example:
//
//	store := ledger.NewRedisStore(client)
//	seen, err := store.Seen(ctx, ledger.Key("tasks:created", "k1"))
type RedisStore struct {
	kv KV
}

// NewRedisStore creates a ledger store on top of kv.
func NewRedisStore(kv KV) *RedisStore {
	return &RedisStore{kv: kv}
}

// Seen reports whether key exists. The value is irrelevant; presence is the
// record.
func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	err := s.kv.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger get: %w", err)
	}
	return true, nil
}

// Mark records key with ttl. The write happens after handler success, not
// before, so a crash mid-handler leaves no record and the redelivery runs
// the handler again.
func (s *RedisStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("ledger set: %w", err)
	}
	return nil
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
