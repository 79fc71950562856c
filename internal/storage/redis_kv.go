package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores records as fields of a single hash per user.
type RedisKV struct {
	client redis.UniversalClient
	key    string
}

func NewRedisKV(client redis.UniversalClient, key string) *RedisKV {
	return &RedisKV{client: client, key: key}
}

func (r *RedisKV) All(ctx context.Context) (map[string][]byte, error) {
	m, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", r.key, key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("hdel %s %s: %w", r.key, key, err)
	}
	return nil
}
