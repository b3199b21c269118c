package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	meta Object
}

// MemoryStore 内存对象存储
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Put 写入对象
func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{
		data: data,
		meta: Object{Key: key, Size: int64(len(data)), ContentType: contentType, LastModified: time.Now()},
	}
	return nil
}

// Get 读取对象
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.data)), &meta, nil
}

// List 按前缀列出，key 升序
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Object, 0)
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete 删除对象
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}
