package dal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Model 所有实体共用的基础字段
type Model struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	CreatedBy *string        `gorm:"size:36" json:"created_by,omitempty"`
	UpdatedBy *string        `gorm:"size:36" json:"updated_by,omitempty"`
	DeletedBy *string        `gorm:"size:36" json:"deleted_by,omitempty"`
}

// BeforeCreate 未指定ID时生成UUID
func (m *Model) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

func (m *Model) stampCreated(actor string) {
	if actor != "" {
		m.CreatedBy = &actor
		m.UpdatedBy = &actor
	}
}

// stamper 嵌入 Model 的实体
type stamper interface {
	stampCreated(actor string)
}

// envelopeColumns 由引擎维护、不允许客户端写入的列
var envelopeColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
	"created_by": true,
	"updated_by": true,
	"deleted_by": true,
}

// Principal 当前请求的身份
type Principal struct {
	UserID string
	Role   string
	// APIKey 通过 X-API-Key 认证
	APIKey bool
}

type principalKey struct{}

// WithPrincipal 把身份写入上下文
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom 读取上下文中的身份，未认证返回 nil
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// actorFrom 审计字段使用的操作人ID
func actorFrom(ctx context.Context) string {
	if p := PrincipalFrom(ctx); p != nil {
		return p.UserID
	}
	return ""
}

// QueryOption 查询选项
type QueryOption func(*gorm.DB) *gorm.DB

// WithPreload 预加载关联
func WithPreload(query string, args ...any) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Preload(query, args...) }
}

// WithUnscoped 包含已软删除的记录
func WithUnscoped() QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Unscoped() }
}
