package model

import (
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/rbac"
)

// DefaultDescription 角色缺省描述
const DefaultDescription = "Default description"

// ReservedRoles 内置角色，不允许修改或删除
var ReservedRoles = map[string]string{
	rbac.Public:     "Public role with limited access",
	rbac.SuperAdmin: "Superadmin role with full access",
}

// Role 角色模型
type Role struct {
	dal.Model
	Name        string           `gorm:"size:50;uniqueIndex;not null" json:"name" validate:"required,max=50"`
	Description string           `gorm:"size:255" json:"description"`
	Users       []User           `gorm:"foreignKey:RoleID" json:"users,omitempty"`
	Permissions []RolePermission `gorm:"foreignKey:RoleID" json:"permissions,omitempty"`
}

// TableName 表名
func (Role) TableName() string {
	return "roles"
}

// RolePermission 角色可访问的路由
type RolePermission struct {
	dal.Model
	RoleID string `gorm:"size:36;index;not null" json:"role_id" validate:"required"`
	Route  string `gorm:"size:255;not null" json:"route" validate:"required"`
	Method string `gorm:"size:10;not null" json:"method" validate:"required"`
	Role   *Role  `gorm:"foreignKey:RoleID" json:"role,omitempty"`
}

// TableName 表名
func (RolePermission) TableName() string {
	return "role_permissions"
}

// RoleRedirection 角色登录后的跳转地址
type RoleRedirection struct {
	dal.Model
	RoleID   string `gorm:"size:36;uniqueIndex;not null" json:"role_id" validate:"required"`
	Redirect string `gorm:"size:255;not null" json:"redirect" validate:"required"`
	Role     *Role  `gorm:"foreignKey:RoleID" json:"role,omitempty"`
}

// TableName 表名
func (RoleRedirection) TableName() string {
	return "role_redirections"
}

// All 需要迁移的模型
func All() []any {
	return []any{&Role{}, &User{}, &RolePermission{}, &APIKey{}, &RoleRedirection{}}
}
