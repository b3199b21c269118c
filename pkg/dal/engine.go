package dal

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const (
	// DefaultPageSize 默认每页数量
	DefaultPageSize = 50
	// MaxPageSize 每页数量上限
	MaxPageSize = 500
	// createBatchSize 批量插入每批数量
	createBatchSize = 100
)

// Engine 实体生命周期引擎：批量写入、软删除、查询与分页
type Engine[T any] struct {
	db          *gorm.DB
	schema      *schema.Schema
	name        string
	hooks       Hooks[T]
	maxPageSize int
}

// EngineOption 引擎选项
type EngineOption[T any] func(*Engine[T])

// WithHooks 设置生命周期钩子
func WithHooks[T any](h Hooks[T]) EngineOption[T] {
	return func(e *Engine[T]) {
		if h != nil {
			e.hooks = h
		}
	}
}

// WithName 设置实体展示名，用于错误消息
func WithName[T any](name string) EngineOption[T] {
	return func(e *Engine[T]) { e.name = name }
}

// WithMaxPageSize 设置每页数量上限
func WithMaxPageSize[T any](n int) EngineOption[T] {
	return func(e *Engine[T]) {
		if n > 0 {
			e.maxPageSize = n
		}
	}
}

// NewEngine 创建引擎，T 必须是可被 gorm 解析的模型
func NewEngine[T any](db *gorm.DB, opts ...EngineOption[T]) (*Engine[T], error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(new(T)); err != nil {
		return nil, fmt.Errorf("dal: parse model: %w", err)
	}
	e := &Engine[T]{
		db:          db,
		schema:      stmt.Schema,
		name:        stmt.Schema.Name,
		hooks:       NopHooks[T]{},
		maxPageSize: MaxPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// DB 数据库实例
func (e *Engine[T]) DB() *gorm.DB {
	return e.db
}

// Schema 模型的 gorm schema
func (e *Engine[T]) Schema() *schema.Schema {
	return e.schema
}

// Name 实体展示名
func (e *Engine[T]) Name() string {
	return e.name
}

// BulkCreate 在一个事务内批量创建，返回创建后的记录
func (e *Engine[T]) BulkCreate(ctx context.Context, items []T) ([]T, error) {
	if len(items) == 0 {
		return items, nil
	}
	actor := actorFrom(ctx)
	ptrs := make([]*T, len(items))
	for i := range items {
		ptrs[i] = &items[i]
		if s, ok := any(ptrs[i]).(stamper); ok {
			s.stampCreated(actor)
		}
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.hooks.BeforeCreate(ctx, tx, ptrs); err != nil {
			return err
		}
		return tx.CreateInBatches(&items, createBatchSize).Error
	})
	if err != nil {
		return nil, e.wrap(err)
	}

	if err := e.hooks.AfterCreate(ctx, ptrs); err != nil {
		logger.Warn("after create hook failed", zap.String("entity", e.name), zap.Error(err))
	}
	return items, nil
}

// BulkUpdate 按 id 逐条更新，没有 id 或没有可更新字段的条目被跳过，返回命中的记录数
func (e *Engine[T]) BulkUpdate(ctx context.Context, items []map[string]any) (int64, error) {
	actor := actorFrom(ctx)
	var (
		count   int64
		touched []string
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			id, ok := item["id"].(string)
			if !ok || id == "" {
				continue
			}
			fields, err := e.columns(item)
			if err != nil {
				return err
			}
			if err := e.hooks.BeforeUpdate(ctx, tx, id, fields); err != nil {
				return err
			}
			if len(fields) == 0 {
				continue
			}
			if actor != "" && e.schema.LookUpField("updated_by") != nil {
				fields["updated_by"] = actor
			}

			res := tx.Model(new(T)).Where("id = ?", id).Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				count++
				touched = append(touched, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, e.wrap(err)
	}

	if len(touched) > 0 {
		if err := e.hooks.AfterUpdate(ctx, touched); err != nil {
			logger.Warn("after update hook failed", zap.String("entity", e.name), zap.Error(err))
		}
	}
	return count, nil
}

// SoftDelete 标记删除，已删除的记录不计入
func (e *Engine[T]) SoftDelete(ctx context.Context, ids []string) (int64, error) {
	return e.delete(ctx, ids, false)
}

// HardDelete 物理删除，调用方负责权限校验
func (e *Engine[T]) HardDelete(ctx context.Context, ids []string) (int64, error) {
	return e.delete(ctx, ids, true)
}

func (e *Engine[T]) delete(ctx context.Context, ids []string, hard bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.hooks.BeforeDelete(ctx, tx, ids, hard); err != nil {
			return err
		}
		var res *gorm.DB
		if hard {
			res = tx.Unscoped().Where("id IN ?", ids).Delete(new(T))
		} else {
			fields := map[string]any{"deleted_at": time.Now().UTC()}
			if actor := actorFrom(ctx); actor != "" {
				fields["deleted_by"] = actor
			}
			res = tx.Model(new(T)).Where("id IN ?", ids).Updates(fields)
		}
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, e.wrap(err)
	}

	if count > 0 {
		if err := e.hooks.AfterDelete(ctx, ids, hard); err != nil {
			logger.Warn("after delete hook failed", zap.String("entity", e.name), zap.Error(err))
		}
	}
	return count, nil
}

// Get 按ID获取未删除的记录
func (e *Engine[T]) Get(ctx context.Context, id string, opts ...QueryOption) (*T, error) {
	tx := e.db.WithContext(ctx)
	for _, opt := range opts {
		tx = opt(tx)
	}
	var entity T
	if err := tx.Where("id = ?", id).First(&entity).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound(fmt.Sprintf("%s with ID %s not found", e.name, id))
		}
		return nil, e.wrap(err)
	}
	return &entity, nil
}

// columns 把 json 名或列名映射为可写列，并按列类型转换取值
func (e *Engine[T]) columns(item map[string]any) (map[string]any, error) {
	fields := make(map[string]any, len(item))
	for key, value := range item {
		f := e.lookupWritable(key)
		if f == nil {
			continue
		}
		v, err := coerce(f, value)
		if err != nil {
			return nil, err
		}
		fields[f.DBName] = v
	}
	return fields, nil
}

func (e *Engine[T]) lookupWritable(key string) *schema.Field {
	f, ok := e.schema.FieldsByDBName[key]
	if !ok {
		for _, candidate := range e.schema.Fields {
			if candidate.DBName != "" && jsonName(candidate) == key {
				f, ok = candidate, true
				break
			}
		}
	}
	if !ok || envelopeColumns[f.DBName] || f.PrimaryKey || !f.Updatable {
		return nil
	}
	return f
}

// wrap 将存储层错误转为统一错误，唯一约束冲突返回 409
func (e *Engine[T]) wrap(err error) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if isUniqueViolation(err) {
		return errors.Conflict(conflictMessage(err))
	}
	logger.Error("storage error", zap.String("entity", e.name), zap.Error(err))
	return errors.Storage(err)
}

func isUniqueViolation(err error) bool {
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

// conflictMessage 只暴露冲突的列名
func conflictMessage(err error) string {
	msg := err.Error()
	// sqlite: UNIQUE constraint failed: user.email
	if i := strings.Index(msg, "UNIQUE constraint failed: "); i >= 0 {
		// 驱动可能附加错误码，如 "user.email (2067)"
		parts := strings.FieldsFunc(msg[i+len("UNIQUE constraint failed: "):], func(r rune) bool {
			return r == ',' || r == ' '
		})
		if len(parts) > 0 {
			col := parts[0]
			if j := strings.LastIndex(col, "."); j >= 0 {
				col = col[j+1:]
			}
			if col != "" {
				return fmt.Sprintf("A record with this %s already exists", col)
			}
		}
	}
	return "A record with the same unique value already exists"
}

func jsonName(f *schema.Field) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}
