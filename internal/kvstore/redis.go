package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot keys are refreshed on every write; a week covers upcoming
// schedules that can be days away.
const defaultTTL = 7 * 24 * time.Hour

// RedisStore persists state in Redis under a common key prefix.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewRedis returns a RedisStore with the streamwatch prefix and default TTL.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "streamwatch:", TTL: defaultTTL}
}

func (s *RedisStore) key(k string) string { return s.Prefix + k }

func (s *RedisStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if s == nil || s.Client == nil {
		return nil, fmt.Errorf("nil redis client")
	}
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	vals, err := s.Client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(str)
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, entries map[string][]byte) error {
	if s == nil || s.Client == nil {
		return fmt.Errorf("nil redis client")
	}
	if len(entries) == 0 {
		return nil
	}
	ttl := s.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	pipe := s.Client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, s.key(k), v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec: %w", err)
	}
	return nil
}

// NewRedisClient parses a redis URL, applies the optional password override,
// and verifies connectivity.
func NewRedisClient(redisURL, password string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
