package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrMiss 键不存在或已过期
var ErrMiss = errors.New("cache: miss")

// Store 缓存存储接口，值为序列化后的字节
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set ttl<=0 表示永不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix 删除所有以 prefix 开头的键，返回删除数量
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Sweeper 需要主动清理过期项的存储
type Sweeper interface {
	DeleteExpired()
}

// PrefixedStore 为所有键添加命名空间前缀
type PrefixedStore struct {
	store  Store
	prefix string
}

// NewPrefixed 创建带前缀的存储
func NewPrefixed(store Store, prefix string) *PrefixedStore {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &PrefixedStore{store: store, prefix: prefix}
}

func (p *PrefixedStore) key(key string) string {
	return p.prefix + key
}

// Get 获取缓存
func (p *PrefixedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return p.store.Get(ctx, p.key(key))
}

// Set 设置缓存
func (p *PrefixedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.store.Set(ctx, p.key(key), value, ttl)
}

// Delete 删除缓存
func (p *PrefixedStore) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(k)
	}
	return p.store.Delete(ctx, full...)
}

// DeletePrefix 删除前缀
func (p *PrefixedStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return p.store.DeletePrefix(ctx, p.key(prefix))
}
