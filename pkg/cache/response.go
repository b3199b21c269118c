package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goback/crudkit/pkg/logger"
	"go.uber.org/zap"
)

// ListKey 列表查询的缓存指纹参数
type ListKey struct {
	Filters string
	Sort    string
	Search  string
	Include string
	Page    int
	Size    int
}

// ResponseCache 响应级缓存，按实体失效
// 缓存只是建议性的：读写失败只记录日志，调用方按未命中处理
type ResponseCache struct {
	store     Store
	listTTL   time.Duration
	detailTTL time.Duration
}

// NewResponseCache 创建响应缓存
func NewResponseCache(store Store, listTTL, detailTTL time.Duration) *ResponseCache {
	return &ResponseCache{store: store, listTTL: listTTL, detailTTL: detailTTL}
}

// ListKey 生成列表缓存键
func (rc *ResponseCache) ListKey(entity string, k ListKey) string {
	sum := md5.Sum([]byte(k.Filters + "\x00" + k.Sort + "\x00" + k.Search + "\x00" + k.Include))
	return fmt.Sprintf("%s_list_%s_page_%d_size_%d", entity, hex.EncodeToString(sum[:]), k.Page, k.Size)
}

// DetailKey 生成单条记录缓存键
func (rc *ResponseCache) DetailKey(entity, id string) string {
	return fmt.Sprintf("%s_detail_%s", entity, id)
}

// Lookup 读取缓存
func (rc *ResponseCache) Lookup(ctx context.Context, key string) ([]byte, bool) {
	b, err := rc.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			logger.Warn("response cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return b, true
}

// StoreList 写入列表缓存
func (rc *ResponseCache) StoreList(ctx context.Context, key string, body []byte) {
	rc.put(ctx, key, body, rc.listTTL)
}

// StoreDetail 写入单条缓存
func (rc *ResponseCache) StoreDetail(ctx context.Context, key string, body []byte) {
	rc.put(ctx, key, body, rc.detailTTL)
}

func (rc *ResponseCache) put(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if err := rc.store.Set(ctx, key, body, ttl); err != nil {
		logger.Warn("response cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateList 失效实体的全部列表缓存
func (rc *ResponseCache) InvalidateList(ctx context.Context, entity string) {
	if _, err := rc.store.DeletePrefix(ctx, entity+"_list_"); err != nil {
		logger.Warn("response cache invalidation failed", zap.String("entity", entity), zap.Error(err))
	}
}

// InvalidateDetail 失效指定记录的缓存，ids 为空时失效该实体全部记录
func (rc *ResponseCache) InvalidateDetail(ctx context.Context, entity string, ids ...string) {
	var err error
	if len(ids) == 0 {
		_, err = rc.store.DeletePrefix(ctx, entity+"_detail_")
	} else {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = rc.DetailKey(entity, id)
		}
		err = rc.store.Delete(ctx, keys...)
	}
	if err != nil {
		logger.Warn("response cache invalidation failed", zap.String("entity", entity), zap.Error(err))
	}
}

// Invalidate 写操作后调用：列表全部失效，记录按 id 失效
func (rc *ResponseCache) Invalidate(ctx context.Context, entity string, ids ...string) {
	rc.InvalidateList(ctx, entity)
	rc.InvalidateDetail(ctx, entity, ids...)
}
