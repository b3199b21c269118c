package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/utils"
	"go.uber.org/zap"
)

const blacklistPrefix = "blacklist:"

// Blacklist 已注销令牌表，键为令牌的 sha256，存活到令牌过期
type Blacklist struct {
	store cache.Store
	now   func() time.Time
	// fallback 无法读出过期时间时的保留时长
	fallback time.Duration
}

// NewBlacklist 创建黑名单
func NewBlacklist(store cache.Store, fallback time.Duration) *Blacklist {
	if fallback <= 0 {
		fallback = defaultLifetimes[TokenRefresh]
	}
	return &Blacklist{store: store, now: time.Now, fallback: fallback}
}

func blacklistKey(token string) string {
	return blacklistPrefix + utils.SHA256(token)
}

// Add 拉黑令牌，TTL 为剩余有效期，至少 1 秒
func (b *Blacklist) Add(ctx context.Context, token string) error {
	ttl := b.fallback
	if exp := ExpiresAt(token); !exp.IsZero() {
		ttl = exp.Sub(b.now())
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return b.store.Set(ctx, blacklistKey(token), []byte("1"), ttl)
}

// Contains 令牌是否已被拉黑。存储故障时返回 true 与错误，调用方必须拒绝该令牌
func (b *Blacklist) Contains(ctx context.Context, token string) (bool, error) {
	_, err := b.store.Get(ctx, blacklistKey(token))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, cache.ErrMiss):
		return false, nil
	}
	logger.Warn("读取令牌黑名单失败", zap.Error(err))
	return true, fmt.Errorf("read token blacklist: %w", err)
}
