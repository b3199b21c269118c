package user

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/goback/crudkit/pkg/auth"
	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/mail"
	"github.com/goback/crudkit/pkg/storage"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/goback/crudkit/services/api/internal/model"
	"github.com/goback/crudkit/services/api/internal/upload"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SubjectVerification 验证邮件标题
const SubjectVerification = "Account Verification"

var statuses = []string{model.StatusPending, model.StatusActive, model.StatusPaused, model.StatusBlocked}

// Hooks 用户实体钩子
type Hooks struct {
	dal.NopHooks[model.User]
	Store       storage.Store
	Mail        mail.Sender
	JWT         *auth.JWTManager
	App         config.AppConfig
	DefaultRole string
}

// BeforeCreate 校验并哈希密码，强制待验证状态，生成头像，补全缺省角色
func (h *Hooks) BeforeCreate(ctx context.Context, tx *gorm.DB, items []*model.User) error {
	var defaultRole *string
	for _, u := range items {
		if err := auth.ValidatePassword(u.Password); err != nil {
			return err
		}
		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			return err
		}
		u.Password = hash
		u.Status = model.StatusPending
		u.Email = strings.TrimSpace(u.Email)

		if u.Avatar == "" && h.Store != nil {
			if url, err := upload.GenerateAvatar(ctx, h.Store, u.Email); err != nil {
				logger.Warn("生成头像失败", zap.String("email", u.Email), zap.Error(err))
			} else {
				u.Avatar = url
			}
		}

		if u.RoleID == nil || *u.RoleID == "" {
			if defaultRole == nil {
				if defaultRole, err = h.lookupRole(tx); err != nil {
					return err
				}
			}
			u.RoleID = defaultRole
		}
	}
	return nil
}

func (h *Hooks) lookupRole(tx *gorm.DB) (*string, error) {
	if h.DefaultRole == "" {
		return nil, nil
	}
	var role model.Role
	err := tx.Select("id").Where("name = ?", h.DefaultRole).Take(&role).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("缺省角色不存在", zap.String("role", h.DefaultRole))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role.ID, nil
}

// AfterCreate 异步发送验证邮件
func (h *Hooks) AfterCreate(ctx context.Context, items []*model.User) error {
	if h.Mail == nil || h.JWT == nil {
		return nil
	}
	for _, u := range items {
		if err := SendVerification(h.Mail, h.JWT, h.App, u); err != nil {
			return err
		}
	}
	return nil
}

// BeforeUpdate 修改密码时重新校验与哈希，2FA 密钥只能通过认证接口设置
func (h *Hooks) BeforeUpdate(ctx context.Context, tx *gorm.DB, id string, fields map[string]any) error {
	delete(fields, "secret_2fa")
	if pw, ok := fields["password"].(string); ok {
		if pw == "" {
			delete(fields, "password")
		} else {
			if err := auth.ValidatePassword(pw); err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fields["password"] = hash
		}
	}
	if status, ok := fields["status"].(string); ok && !utils.Contains(statuses, status) {
		return errors.Validation("Invalid status: " + status)
	}
	return nil
}

// SendVerification 签发验证令牌并异步发送邮件
func SendVerification(sender mail.Sender, jwt *auth.JWTManager, app config.AppConfig, u *model.User) error {
	token, err := jwt.Generate(u.ID, auth.TokenVerifyUser)
	if err != nil {
		return err
	}
	mail.Go(sender, []string{u.Email}, SubjectVerification, mail.TemplateVerification, mail.Data{
		AppName:  app.Name,
		UserName: u.Username,
		Link:     app.VerifyURL + "?token=" + token,
	})
	return nil
}

// createInput 创建用户的请求体，password 只在此处可写
type createInput struct {
	Username string  `json:"username" validate:"required,min=3,max=50"`
	Email    string  `json:"email" validate:"required,email"`
	Password string  `json:"password" validate:"required"`
	Avatar   string  `json:"avatar"`
	RoleID   *string `json:"role_id"`
}

// Decode 解码创建请求中的单条用户
func Decode(raw json.RawMessage) (model.User, error) {
	var in createInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.User{}, errors.Validation("Invalid record: " + err.Error())
	}
	if err := utils.Validate(&in); err != nil {
		return model.User{}, err
	}
	return model.User{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
		Avatar:   in.Avatar,
		RoleID:   in.RoleID,
	}, nil
}

// Descriptor 用户实体注册信息
func Descriptor(h *Hooks) dal.Descriptor[model.User] {
	return dal.Descriptor[model.User]{
		Name:   "users",
		Label:  "User",
		Hooks:  h,
		Decode: Decode,
	}
}
