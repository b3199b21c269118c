package model

import (
	"github.com/goback/crudkit/pkg/dal"
)

// 用户状态
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusBlocked = "blocked"
)

// User 用户模型
type User struct {
	dal.Model
	Username  string  `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email     string  `gorm:"size:100;uniqueIndex;not null" json:"email"`
	Password  string  `gorm:"size:255;not null" json:"-"`
	Status    string  `gorm:"size:16;default:pending;index" json:"status"`
	Avatar    string  `gorm:"size:255" json:"avatar"`
	RoleID    *string `gorm:"size:36;index" json:"role_id"`
	Role      *Role   `gorm:"foreignKey:RoleID" json:"role,omitempty"`
	Status2FA bool    `gorm:"column:status_2fa;default:false" json:"status_2fa"`
	Secret2FA string  `gorm:"column:secret_2fa;size:255" json:"-"`
}

// TableName 表名
func (User) TableName() string {
	return "users"
}

// APIKey 用户的 API Key，只保存 sha256
type APIKey struct {
	dal.Model
	UserID string `gorm:"size:36;index;not null" json:"user_id"`
	Key    string `gorm:"size:64;uniqueIndex;not null" json:"key"`
	User   *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName 表名
func (APIKey) TableName() string {
	return "api_keys"
}
