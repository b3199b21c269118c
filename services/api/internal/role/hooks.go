package role

import (
	"context"
	"strings"

	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/services/api/internal/model"
	"gorm.io/gorm"
)

// Hooks 角色实体钩子
type Hooks struct {
	dal.NopHooks[model.Role]
	// Changed 角色名变化会影响权限表
	Changed func(ctx context.Context)
}

// Normalize 角色名统一大写
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func reserved(name string) error {
	if _, ok := model.ReservedRoles[name]; ok {
		return errors.Validation("Cannot modify reserved role: " + name)
	}
	return nil
}

// BeforeCreate 规范化名称并补全描述
func (h *Hooks) BeforeCreate(ctx context.Context, tx *gorm.DB, items []*model.Role) error {
	for _, r := range items {
		r.Name = Normalize(r.Name)
		if r.Name == "" {
			return errors.Validation("Field 'name' is required")
		}
		if r.Description == "" {
			r.Description = model.DefaultDescription
		}
	}
	return nil
}

// BeforeUpdate 内置角色不可修改
func (h *Hooks) BeforeUpdate(ctx context.Context, tx *gorm.DB, id string, fields map[string]any) error {
	var current model.Role
	if err := tx.Select("name").Where("id = ?", id).Limit(1).Find(&current).Error; err != nil {
		return err
	}
	if err := reserved(current.Name); err != nil {
		return err
	}
	if name, ok := fields["name"].(string); ok {
		fields["name"] = Normalize(name)
		if err := reserved(fields["name"].(string)); err != nil {
			return err
		}
	}
	return nil
}

// BeforeDelete 内置角色不可删除
func (h *Hooks) BeforeDelete(ctx context.Context, tx *gorm.DB, ids []string, hard bool) error {
	var names []string
	if err := tx.Model(&model.Role{}).Where("id IN ?", ids).Pluck("name", &names).Error; err != nil {
		return err
	}
	for _, name := range names {
		if err := reserved(name); err != nil {
			return err
		}
	}
	return nil
}

// AfterUpdate 通知权限表重建
func (h *Hooks) AfterUpdate(ctx context.Context, ids []string) error {
	h.changed(ctx)
	return nil
}

// AfterDelete 通知权限表重建
func (h *Hooks) AfterDelete(ctx context.Context, ids []string, hard bool) error {
	h.changed(ctx)
	return nil
}

func (h *Hooks) changed(ctx context.Context) {
	if h.Changed != nil {
		h.Changed(ctx)
	}
}

// Descriptor 角色实体注册信息
func Descriptor(h *Hooks) dal.Descriptor[model.Role] {
	return dal.Descriptor[model.Role]{Name: "roles", Label: "Role", Hooks: h}
}
