package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch 每次 SCAN 的建议数量
const scanBatch = 200

// RedisStore 基于 Redis 的缓存
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore 创建 Redis 缓存
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get 获取缓存
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

// Set 设置缓存
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete 删除缓存
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DeletePrefix 通过 SCAN 删除前缀匹配的键，避免 KEYS 阻塞
func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return total, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return total, err
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// escapeGlob 转义 Redis glob 特殊字符
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
