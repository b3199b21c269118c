package dal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/goback/crudkit/pkg/cache"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Ops 实体允许的操作
type Ops uint8

const (
	OpList Ops = 1 << iota
	OpGet
	OpCreate
	OpUpdate
	OpDelete
	OpDownload

	AllOps = OpList | OpGet | OpCreate | OpUpdate | OpDelete | OpDownload
)

// Has 是否允许操作
func (o Ops) Has(op Ops) bool {
	return o&op != 0
}

// Descriptor 实体注册信息
type Descriptor[T any] struct {
	// Name 路由段与缓存前缀，缺省为表名
	Name string
	// Label 展示名，缺省为模型名
	Label string
	Hooks Hooks[T]
	// Ops 为 0 时开放全部操作
	Ops Ops
	// Decode 创建请求中单条记录的解码，缺省直接反序列化为 T
	Decode      func(raw json.RawMessage) (T, error)
	MaxPageSize int
}

// Table 渲染用的二维表
type Table struct {
	Columns []string
	Rows    [][]string
	Total   int64
	Page    int
	Size    int
	Pages   int
}

// Entity 已注册实体的非泛型视图，供路由挂载、后台页面与导出使用
type Entity interface {
	Name() string
	Label() string
	Columns() []string
	Mount(r fiber.Router)
	Table(ctx context.Context, params *ListParams) (*Table, error)
	WriteCSV(ctx context.Context, params *ListParams, w io.Writer) error
}

// Registry 显式注册的实体表
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]Entity)}
}

// Add 添加实体，名称重复返回错误
func (r *Registry) Add(e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[e.Name()]; ok {
		return fmt.Errorf("dal: entity %q already registered", e.Name())
	}
	r.entities[e.Name()] = e
	return nil
}

// Get 按名称获取实体
func (r *Registry) Get(name string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	return e, ok
}

// All 按名称排序的全部实体
func (r *Registry) All() []Entity {
	r.mu.RLock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Mount 在 router 下为每个实体挂载 /{name}
func (r *Registry) Mount(router fiber.Router) {
	for _, e := range r.All() {
		e.Mount(router.Group("/" + e.Name()))
	}
}

// Register 创建实体控制器并加入注册表
func Register[T any](reg *Registry, db *gorm.DB, rc *cache.ResponseCache, d Descriptor[T]) (*Controller[T], error) {
	opts := []EngineOption[T]{WithHooks[T](d.Hooks), WithMaxPageSize[T](d.MaxPageSize)}
	if d.Label != "" {
		opts = append(opts, WithName[T](d.Label))
	}
	engine, err := NewEngine[T](db, opts...)
	if err != nil {
		return nil, err
	}
	if d.Name == "" {
		d.Name = engine.Schema().Table
	}
	if d.Ops == 0 {
		d.Ops = AllOps
	}
	c := NewController(engine, rc, d)
	if reg != nil {
		if err := reg.Add(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}
