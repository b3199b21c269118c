package user

import (
	"context"

	"github.com/goback/crudkit/pkg/middleware"
	"gorm.io/gorm"
)

type identityRow struct {
	ID     string
	Status string
	Role   string
}

// Identities 从用户表读取网关使用的身份
type Identities struct {
	db *gorm.DB
}

var _ middleware.IdentitySource = (*Identities)(nil)

// NewIdentities 创建身份源
func NewIdentities(db *gorm.DB) *Identities {
	return &Identities{db: db}
}

func (s *Identities) base(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("users").
		Select("users.id AS id, users.status AS status, COALESCE(roles.name, '') AS role").
		Joins("LEFT JOIN roles ON roles.id = users.role_id AND roles.deleted_at IS NULL").
		Where("users.deleted_at IS NULL")
}

func (s *Identities) find(q *gorm.DB) (*middleware.Identity, error) {
	var rows []identityRow
	if err := q.Limit(1).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &middleware.Identity{UserID: r.ID, Role: r.Role, Status: r.Status}, nil
}

// ByUserID 按用户ID查找
func (s *Identities) ByUserID(ctx context.Context, id string) (*middleware.Identity, error) {
	return s.find(s.base(ctx).Where("users.id = ?", id))
}

// ByAPIKey 按 API Key 哈希查找
func (s *Identities) ByAPIKey(ctx context.Context, keyHash string) (*middleware.Identity, error) {
	return s.find(s.base(ctx).
		Joins("JOIN api_keys ON api_keys.user_id = users.id AND api_keys.deleted_at IS NULL").
		Where("api_keys.key = ?", keyHash))
}
