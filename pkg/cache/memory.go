package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// item 缓存项
type item struct {
	value      []byte
	expiration int64 // UnixNano，0表示永不过期
}

func (it *item) expired(now int64) bool {
	return it.expiration != 0 && now > it.expiration
}

// MemoryStore 进程内缓存
type MemoryStore struct {
	items map[string]*item
	mu    sync.RWMutex
}

// NewMemoryStore 创建内存缓存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*item)}
}

// Get 获取缓存
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || it.expired(time.Now().UnixNano()) {
		return nil, ErrMiss
	}
	return it.value, nil
}

// Set 设置缓存
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	m.items[key] = &item{value: buf, expiration: exp}
	m.mu.Unlock()
	return nil
}

// Delete 删除缓存
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.items, k)
	}
	m.mu.Unlock()
	return nil
}

// DeletePrefix 删除指定前缀的所有缓存
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			count++
		}
	}
	return count, nil
}

// DeleteExpired 删除所有过期项
func (m *MemoryStore) DeleteExpired() {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
		}
	}
}

// Len 当前项数量（含未清理的过期项）
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
