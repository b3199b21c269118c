package dal

import (
	"context"

	"gorm.io/gorm"
)

// Hooks 实体生命周期钩子
// Before* 在事务内执行，返回错误会回滚；After* 在提交后执行，错误只记录日志
type Hooks[T any] interface {
	BeforeCreate(ctx context.Context, tx *gorm.DB, items []*T) error
	AfterCreate(ctx context.Context, items []*T) error
	BeforeUpdate(ctx context.Context, tx *gorm.DB, id string, fields map[string]any) error
	AfterUpdate(ctx context.Context, ids []string) error
	BeforeDelete(ctx context.Context, tx *gorm.DB, ids []string, hard bool) error
	AfterDelete(ctx context.Context, ids []string, hard bool) error
}

// NopHooks 默认空钩子，实体钩子可嵌入后只覆盖需要的方法
type NopHooks[T any] struct{}

func (NopHooks[T]) BeforeCreate(context.Context, *gorm.DB, []*T) error { return nil }

func (NopHooks[T]) AfterCreate(context.Context, []*T) error { return nil }

func (NopHooks[T]) BeforeUpdate(context.Context, *gorm.DB, string, map[string]any) error {
	return nil
}

func (NopHooks[T]) AfterUpdate(context.Context, []string) error { return nil }

func (NopHooks[T]) BeforeDelete(context.Context, *gorm.DB, []string, bool) error { return nil }

func (NopHooks[T]) AfterDelete(context.Context, []string, bool) error { return nil }
