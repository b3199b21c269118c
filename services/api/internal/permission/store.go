package permission

import (
	"context"
	stderrors "errors"

	"github.com/goback/crudkit/pkg/broadcast"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/rbac"
	"github.com/goback/crudkit/pkg/router"
	"github.com/goback/crudkit/services/api/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Loader 从 role_permissions 读取授权规则，角色以名称表示
func Loader(db *gorm.DB) rbac.Loader {
	return func(ctx context.Context) ([]rbac.Rule, error) {
		var rules []rbac.Rule
		err := db.WithContext(ctx).
			Table("role_permissions").
			Select("roles.name AS role, role_permissions.route AS route, role_permissions.method AS method").
			Joins("JOIN roles ON roles.id = role_permissions.role_id AND roles.deleted_at IS NULL").
			Where("role_permissions.deleted_at IS NULL").
			Scan(&rules).Error
		return rules, err
	}
}

// Publisher 权限变更时广播给所有节点
func Publisher(bc *broadcast.Broadcaster) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := bc.Publish(ctx, broadcast.TopicPermissionsChanged, nil); err != nil {
			logger.Warn("广播权限变更失败", zap.Error(err))
		}
	}
}

// Subscribe 收到权限变更后丢弃并重建本节点的权限表
func Subscribe(bc *broadcast.Broadcaster, store *rbac.Store) {
	bc.On(broadcast.TopicPermissionsChanged, func(ctx context.Context, msg *broadcast.Message) {
		store.Invalidate(ctx)
		if err := store.Refresh(ctx); err != nil {
			logger.Error("重建权限表失败", zap.String("from", msg.NodeID), zap.Error(err))
		}
	})
}

// Plan 启动时需要保证存在的角色与规则
type Plan struct {
	// DefaultRole 注册用户的缺省角色
	DefaultRole string
	Rules       []rbac.Rule
}

// Seed 补齐内置角色、缺省角色与规则，已存在的不改动
func Seed(ctx context.Context, db *gorm.DB, plan Plan) error {
	roles := make(map[string]string, len(model.ReservedRoles)+1)
	for name, desc := range model.ReservedRoles {
		roles[name] = desc
	}
	if plan.DefaultRole != "" {
		if _, ok := roles[plan.DefaultRole]; !ok {
			roles[plan.DefaultRole] = "Default role for registered users"
		}
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make(map[string]string, len(roles))
		for name, desc := range roles {
			var r model.Role
			err := tx.Where("name = ?", name).Take(&r).Error
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				r = model.Role{Name: name, Description: desc}
				err = tx.Create(&r).Error
				if err == nil {
					logger.Info("已创建角色", zap.String("role", name))
				}
			}
			if err != nil {
				return err
			}
			ids[name] = r.ID
		}

		var existing []model.RolePermission
		if err := tx.Find(&existing).Error; err != nil {
			return err
		}
		have := make(map[string]bool, len(existing))
		for _, p := range existing {
			have[p.RoleID+"|"+p.Route+"|"+p.Method] = true
		}

		var missing []model.RolePermission
		for _, rule := range plan.Rules {
			id, ok := ids[rule.Role]
			if !ok {
				continue
			}
			key := id + "|" + rule.Route + "|" + rule.Method
			if have[key] {
				continue
			}
			have[key] = true
			missing = append(missing, model.RolePermission{RoleID: id, Route: rule.Route, Method: rule.Method})
		}
		if len(missing) == 0 {
			return nil
		}
		logger.Info("已补齐权限规则", zap.Int("count", len(missing)))
		return tx.CreateInBatches(&missing, 100).Error
	})
}

// Assign 用 endpoints 整体替换角色的权限
func Assign(ctx context.Context, db *gorm.DB, roleID string, endpoints []router.Endpoint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("role_id = ?", roleID).Delete(&model.RolePermission{}).Error; err != nil {
			return err
		}
		if len(endpoints) == 0 {
			return nil
		}
		perms := make([]model.RolePermission, len(endpoints))
		for i, e := range endpoints {
			perms[i] = model.RolePermission{RoleID: roleID, Route: e.Route, Method: e.Method}
		}
		return tx.CreateInBatches(&perms, 100).Error
	})
}
