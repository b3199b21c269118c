package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goback/crudkit/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go-micro.dev/v5/registry"
	"go.uber.org/zap"
)

const (
	// Redis key 前缀，完整格式 registry:service:{name}:{node}
	servicePrefix = "registry:service:"
	defaultTTL    = 30 * time.Second
)

// RedisRegistry 基于 Redis 的服务注册中心，每个节点一个带 TTL 的 key，由心跳续期
type RedisRegistry struct {
	client       *redis.Client
	ttl          time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	heartbeat map[string]chan struct{}
}

// NewRedisRegistry 创建基于 Redis 的注册中心
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client:       client,
		ttl:          defaultTTL,
		pollInterval: time.Second,
		heartbeat:    make(map[string]chan struct{}),
	}
}

var _ registry.Registry = (*RedisRegistry)(nil)

// Init 初始化
func (r *RedisRegistry) Init(opts ...registry.Option) error {
	return nil
}

// Options 获取选项
func (r *RedisRegistry) Options() registry.Options {
	return registry.Options{Timeout: r.ttl}
}

func nodeKey(service, node string) string {
	return servicePrefix + service + ":" + node
}

// Register 注册服务的每个节点并启动心跳
func (r *RedisRegistry) Register(s *registry.Service, opts ...registry.RegisterOption) error {
	if s == nil || len(s.Nodes) == 0 {
		return fmt.Errorf("service or nodes cannot be empty")
	}
	var o registry.RegisterOptions
	for _, opt := range opts {
		opt(&o)
	}
	ttl := r.ttl
	if o.TTL > 0 {
		ttl = o.TTL
	}

	ctx := context.Background()
	for _, node := range s.Nodes {
		entry := *s
		entry.Nodes = []*registry.Node{node}
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal service: %w", err)
		}
		key := nodeKey(s.Name, node.Id)
		if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("register %s: %w", key, err)
		}
		r.startHeartbeat(key, data, ttl)

		logger.Debug("服务已注册", zap.String("key", key), zap.String("address", node.Address))
	}
	return nil
}

// Deregister 注销服务节点
func (r *RedisRegistry) Deregister(s *registry.Service, opts ...registry.DeregisterOption) error {
	if s == nil {
		return fmt.Errorf("service cannot be nil")
	}
	keys := make([]string, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		key := nodeKey(s.Name, node.Id)
		r.stopHeartbeat(key)
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(context.Background(), keys...).Err()
}

// GetService 获取服务，合并所有存活节点
func (r *RedisRegistry) GetService(name string, opts ...registry.GetOption) ([]*registry.Service, error) {
	services, err := r.load(context.Background(), servicePrefix+name+":*")
	if err != nil {
		return nil, err
	}
	svc, ok := services[name]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return []*registry.Service{svc}, nil
}

// ListServices 列出所有服务
func (r *RedisRegistry) ListServices(opts ...registry.ListOption) ([]*registry.Service, error) {
	services, err := r.load(context.Background(), servicePrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Service, 0, len(services))
	for _, svc := range services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// load 扫描匹配的节点 key 并按服务名合并
func (r *RedisRegistry) load(ctx context.Context, pattern string) (map[string]*registry.Service, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan registry: %w", err)
	}
	sort.Strings(keys)

	services := make(map[string]*registry.Service)
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var entry registry.Service
		if err := json.Unmarshal(data, &entry); err != nil {
			logger.Warn("服务注册信息损坏", zap.String("key", key), zap.Error(err))
			continue
		}
		if svc, ok := services[entry.Name]; ok {
			svc.Nodes = append(svc.Nodes, entry.Nodes...)
			continue
		}
		services[entry.Name] = &entry
	}
	return services, nil
}

// Watch 轮询注册表，按节点差异产出 create/delete 事件
func (r *RedisRegistry) Watch(opts ...registry.WatchOption) (registry.Watcher, error) {
	var o registry.WatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &redisWatcher{
		registry: r,
		service:  o.Service,
		known:    make(map[string]*registry.Service),
		exit:     make(chan struct{}),
	}, nil
}

// String 返回注册中心名称
func (r *RedisRegistry) String() string {
	return "redis"
}

// startHeartbeat 按 TTL 的三分之一续期
func (r *RedisRegistry) startHeartbeat(key string, data []byte, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stop, ok := r.heartbeat[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	r.heartbeat[key] = stop

	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.client.Set(context.Background(), key, data, ttl).Err(); err != nil {
					logger.Warn("服务心跳失败", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()
}

func (r *RedisRegistry) stopHeartbeat(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.heartbeat[key]; ok {
		close(stop)
		delete(r.heartbeat, key)
	}
}

// redisWatcher 基于轮询的监听器
type redisWatcher struct {
	registry *RedisRegistry
	service  string
	known    map[string]*registry.Service
	pending  []*registry.Result
	exit     chan struct{}
	once     sync.Once
}

func (w *redisWatcher) Next() (*registry.Result, error) {
	for {
		if len(w.pending) > 0 {
			res := w.pending[0]
			w.pending = w.pending[1:]
			return res, nil
		}
		if err := w.poll(); err != nil {
			return nil, err
		}
		if len(w.pending) > 0 {
			continue
		}
		select {
		case <-w.exit:
			return nil, registry.ErrWatcherStopped
		case <-time.After(w.registry.pollInterval):
		}
	}
}

func (w *redisWatcher) poll() error {
	select {
	case <-w.exit:
		return registry.ErrWatcherStopped
	default:
	}

	pattern := servicePrefix + "*"
	if w.service != "" {
		pattern = servicePrefix + w.service + ":*"
	}
	services, err := w.registry.load(context.Background(), pattern)
	if err != nil {
		return err
	}

	current := make(map[string]*registry.Service)
	for _, svc := range services {
		for _, node := range svc.Nodes {
			entry := *svc
			entry.Nodes = []*registry.Node{node}
			current[nodeKey(svc.Name, node.Id)] = &entry
		}
	}
	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := w.known[key]; !ok {
			w.pending = append(w.pending, &registry.Result{Action: "create", Service: current[key]})
		}
	}
	for key, svc := range w.known {
		if _, ok := current[key]; !ok {
			w.pending = append(w.pending, &registry.Result{Action: "delete", Service: svc})
		}
	}
	w.known = current
	return nil
}

func (w *redisWatcher) Stop() {
	w.once.Do(func() { close(w.exit) })
}
