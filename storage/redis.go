package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend connection.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RedisBackend is a Redis-based Backend suitable for distributed
// deployments. Values are stored as JSON strings; lists use native
// Redis lists so Append is atomic.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "flowkit:"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix + "kv:"}, nil
}

// NewRedisBackendWithClient wraps an existing client, used by tests.
func NewRedisBackendWithClient(client *redis.Client, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "flowkit:"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix + "kv:"}
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// Ping checks if the backend is healthy.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) key(key string) string {
	return r.keyPrefix + key
}

func (r *RedisBackend) Save(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

func (r *RedisBackend) Load(ctx context.Context, key string) (any, bool, error) {
	k := r.key(key)
	data, err := r.client.Get(ctx, k).Bytes()
	if err == nil {
		var value any
		if uerr := json.Unmarshal(data, &value); uerr != nil {
			return nil, false, fmt.Errorf("unmarshal value for %s: %w", key, uerr)
		}
		return value, true, nil
	}
	if err == redis.Nil {
		return nil, false, nil
	}

	// GET fails with WRONGTYPE when the key holds a list written by Append.
	items, lerr := r.client.LRange(ctx, k, 0, -1).Result()
	if lerr != nil {
		return nil, false, err
	}
	list := make([]any, 0, len(items))
	for _, item := range items {
		var v any
		if uerr := json.Unmarshal([]byte(item), &v); uerr != nil {
			return nil, false, fmt.Errorf("unmarshal list item for %s: %w", key, uerr)
		}
		list = append(list, v)
	}
	return list, true, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisBackend) Append(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	k := r.key(key)
	if err := r.client.RPush(ctx, k, data).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return r.client.Expire(ctx, k, ttl).Err()
	}
	return nil
}
