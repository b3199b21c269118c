package permission

import (
	"context"
	"strings"

	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/rbac"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/goback/crudkit/services/api/internal/model"
	"gorm.io/gorm"
)

// Entity 角色权限实体名
const Entity = "role_permissions"

// Hooks 角色权限实体钩子
type Hooks struct {
	dal.NopHooks[model.RolePermission]
	Changed func(ctx context.Context)
}

func normalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if !utils.Contains(rbac.Methods, m) {
		return "", errors.Validation("Invalid HTTP method: " + method)
	}
	return m, nil
}

func normalizeRoute(route string) (string, error) {
	r := strings.TrimSpace(route)
	if !strings.HasPrefix(r, "/") {
		return "", errors.Validation("Route must start with '/'")
	}
	return r, nil
}

// BeforeCreate 方法大写并校验
func (h *Hooks) BeforeCreate(ctx context.Context, tx *gorm.DB, items []*model.RolePermission) error {
	for _, p := range items {
		var err error
		if p.Method, err = normalizeMethod(p.Method); err != nil {
			return err
		}
		if p.Route, err = normalizeRoute(p.Route); err != nil {
			return err
		}
	}
	return nil
}

// BeforeUpdate 同 BeforeCreate
func (h *Hooks) BeforeUpdate(ctx context.Context, tx *gorm.DB, id string, fields map[string]any) error {
	if v, ok := fields["method"].(string); ok {
		m, err := normalizeMethod(v)
		if err != nil {
			return err
		}
		fields["method"] = m
	}
	if v, ok := fields["route"].(string); ok {
		r, err := normalizeRoute(v)
		if err != nil {
			return err
		}
		fields["route"] = r
	}
	return nil
}

func (h *Hooks) AfterCreate(ctx context.Context, items []*model.RolePermission) error {
	h.changed(ctx)
	return nil
}

func (h *Hooks) AfterUpdate(ctx context.Context, ids []string) error {
	h.changed(ctx)
	return nil
}

func (h *Hooks) AfterDelete(ctx context.Context, ids []string, hard bool) error {
	h.changed(ctx)
	return nil
}

func (h *Hooks) changed(ctx context.Context) {
	if h.Changed != nil {
		h.Changed(ctx)
	}
}

// Descriptor 角色权限实体注册信息
func Descriptor(h *Hooks) dal.Descriptor[model.RolePermission] {
	return dal.Descriptor[model.RolePermission]{Name: Entity, Label: "Role Permission", Hooks: h}
}
