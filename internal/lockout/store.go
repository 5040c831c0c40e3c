package lockout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/retry"
)

// MemoryStore keeps lockout state in process. State is lost on restart, so it
// is meant for development and tests.
type MemoryStore struct {
	cache *gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryStore) Load(_ context.Context, userID int32) (State, error) {
	if v, ok := m.cache.Get(userKey(userID)); ok {
		return v.(State), nil
	}
	return State{}, nil
}

func (m *MemoryStore) Save(_ context.Context, userID int32, st State) error {
	m.cache.Set(userKey(userID), st, gocache.NoExpiration)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID int32) error {
	m.cache.Delete(userKey(userID))
	return nil
}

// Cache abstracts the Redis operations used by RedisStore.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// RedisCache is the go-redis implementation of Cache.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// RedisStore persists lockout state as JSON under "face:lockout:<user>" so
// that a daemon restart cannot be used to clear a lockout.
type RedisStore struct {
	cache  Cache
	logger *zap.Logger
	policy retry.Policy
}

func NewRedisStore(cache Cache, logger *zap.Logger) *RedisStore {
	return &RedisStore{cache: cache, logger: logger.Named("lockout_store"), policy: retry.DefaultPolicy()}
}

func (s *RedisStore) Load(ctx context.Context, userID int32) (State, error) {
	var raw string
	err := retry.Do(ctx, s.logger, s.policy, "redis.lockout.get", "", func() error {
		v, err := s.cache.Get(ctx, redisKey(userID))
		if errors.Is(err, redis.Nil) {
			raw = ""
			return nil
		}
		raw = v
		return err
	})
	if err != nil || raw == "" {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("lockout: decode state for user %d: %w", userID, err)
	}
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, userID int32, st State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.logger, s.policy, "redis.lockout.set", "", func() error {
		return s.cache.Set(ctx, redisKey(userID), string(payload), 0)
	})
}

func (s *RedisStore) Delete(ctx context.Context, userID int32) error {
	return retry.Do(ctx, s.logger, s.policy, "redis.lockout.del", "", func() error {
		return s.cache.Del(ctx, redisKey(userID))
	})
}

func userKey(userID int32) string {
	return strconv.FormatInt(int64(userID), 10)
}

func redisKey(userID int32) string {
	return "face:lockout:" + userKey(userID)
}
