package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"
	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/logger"
	"go.uber.org/zap"
)

// DefaultTTL 权限表缓存有效期
const DefaultTTL = 600 * time.Second

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && routeMatch(r.obj, p.obj) && r.act == p.act
`

// Loader 从持久层读取全部授权规则
type Loader func(ctx context.Context) ([]Rule, error)

// Store 权限表：进程内 casbin 执行器 + 共享缓存
type Store struct {
	load  Loader
	cache cache.Store
	ttl   time.Duration

	now   func() time.Time

	mu       sync.RWMutex
	table    Table
	enforcer *casbin.Enforcer
	// expires 进程内权限表与共享缓存同样按 ttl 过期
	expires time.Time
}

// NewStore 创建权限存储，ttl<=0 使用 DefaultTTL
func NewStore(load Loader, c cache.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{load: load, cache: c, ttl: ttl, now: time.Now}
}

// Refresh 重新加载规则，写入缓存并替换执行器
func (s *Store) Refresh(ctx context.Context) error {
	rules, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("rbac: load rules: %w", err)
	}
	table := Build(rules)
	if err := s.install(table); err != nil {
		return err
	}

	if s.cache != nil {
		body, err := json.Marshal(table)
		if err != nil {
			return err
		}
		if err := s.cache.Set(ctx, CacheKey, body, s.ttl); err != nil {
			logger.Warn("写入权限缓存失败", zap.Error(err))
		}
	}
	logger.Info("权限表已刷新", zap.Int("roles", len(table)), zap.Int("rules", len(rules)))
	return nil
}

// Invalidate 丢弃进程内与缓存中的权限表，下次检查时重新加载
func (s *Store) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.table, s.enforcer = nil, nil
	s.expires = time.Time{}
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Delete(ctx, CacheKey); err != nil {
			logger.Warn("删除权限缓存失败", zap.Error(err))
		}
	}
}

// Table 当前权限表
func (s *Store) Table(ctx context.Context) (Table, error) {
	if t, _ := s.current(); t != nil {
		return t, nil
	}
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table, nil
}

// Allowed 角色是否可以访问 method path；无法取得权限表时拒绝
func (s *Store) Allowed(ctx context.Context, role, path, method string) bool {
	if role == "" {
		return false
	}
	_, e := s.current()
	if e == nil {
		if err := s.ensure(ctx); err != nil {
			logger.Error("权限表不可用", zap.Error(err))
			return false
		}
		s.mu.RLock()
		e = s.enforcer
		s.mu.RUnlock()
	}
	ok, err := e.Enforce(role, path, method)
	if err != nil {
		logger.Error("权限检查失败", zap.Error(err))
		return false
	}
	return ok
}

// current 未过期的权限表与执行器，过期时均为 nil
func (s *Store) current() (Table, *casbin.Enforcer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.enforcer == nil || !s.now().Before(s.expires) {
		return nil, nil
	}
	return s.table, s.enforcer
}

// ensure 优先从共享缓存恢复，否则从持久层重新加载
func (s *Store) ensure(ctx context.Context) error {
	if s.cache != nil {
		if body, err := s.cache.Get(ctx, CacheKey); err == nil {
			var t Table
			if err := json.Unmarshal(body, &t); err == nil {
				return s.install(t)
			}
		}
	}
	return s.Refresh(ctx)
}

func (s *Store) install(t Table) error {
	e, err := newEnforcer(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.table, s.enforcer = t, e
	s.expires = s.now().Add(s.ttl)
	s.mu.Unlock()
	return nil
}

func newEnforcer(t Table) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac: casbin model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("rbac: casbin enforcer: %w", err)
	}
	e.AddFunction("routeMatch", func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("routeMatch: expected 2 arguments, got %d", len(args))
		}
		path, _ := args[0].(string)
		pattern, _ := args[1].(string)
		return MatchRoute(pattern, path), nil
	})
	for role, routes := range t {
		for pattern, methods := range routes {
			for _, method := range methods {
				if _, err := e.AddPolicy(role, pattern, method); err != nil {
					return nil, fmt.Errorf("rbac: add policy: %w", err)
				}
			}
		}
	}
	return e, nil
}
