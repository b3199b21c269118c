package auth

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	pkgauth "github.com/goback/crudkit/pkg/auth"
	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/mail"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/goback/crudkit/services/api/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cooldown 重发邮件的间隔
const Cooldown = 5 * time.Minute

const (
	subjectReset      = "Reset Password Link"
	subjectInvitation = "You're Invited!"
	usersEntity       = "users"
	// APIKeysEntity API Key 实体名，与响应缓存键一致
	APIKeysEntity = "api_keys"
)

var (
	errInvalidOTP   = errors.Validation("Invalid OTP. Please try again.")
	errUserNotFound = errors.NotFound("User not found")
)

// Deps 认证服务依赖
type Deps struct {
	DB        *gorm.DB
	Users     *dal.Engine[model.User]
	JWT       *pkgauth.JWTManager
	Blacklist *pkgauth.Blacklist
	// Cooldowns 邮件冷却计时
	Cooldowns cache.Store
	Box       *pkgauth.SecretBox
	Mail      mail.Sender
	// Responses 直接写用户表后失效响应缓存，可为 nil
	Responses *cache.ResponseCache
	App       config.AppConfig
}

// Service 认证业务
type Service struct {
	Deps
	now func() time.Time
}

// NewService 创建认证服务
func NewService(d Deps) *Service {
	return &Service{Deps: d, now: time.Now}
}

// findUser 未找到返回 nil, nil
func (s *Service) findUser(ctx context.Context, query string, args ...any) (*model.User, error) {
	var users []model.User
	if err := s.DB.WithContext(ctx).Where(query, args...).Limit(1).Find(&users).Error; err != nil {
		return nil, errors.Storage(err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (s *Service) mustUser(ctx context.Context, id string, notFound *errors.AppError) (*model.User, error) {
	u, err := s.findUser(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, notFound
	}
	return u, nil
}

func (s *Service) exists(ctx context.Context, column, value string) (bool, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&model.User{}).Where(column+" = ?", value).Count(&n).Error; err != nil {
		return false, errors.Storage(err)
	}
	return n > 0, nil
}

// updateUser 直接更新用户列，绕过实体钩子
func (s *Service) updateUser(ctx context.Context, id string, fields map[string]any) error {
	if err := s.DB.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return errors.Storage(err)
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Service) invalidate(ctx context.Context, ids ...string) {
	s.invalidateEntity(ctx, usersEntity, ids...)
}

// checkRevoked 令牌已拉黑返回 msg，黑名单不可读时拒绝
func (s *Service) checkRevoked(ctx context.Context, token, msg string) error {
	revoked, err := s.Blacklist.Contains(ctx, token)
	if err != nil {
		return errors.Storage(err)
	}
	if revoked {
		return errors.Validation(msg)
	}
	return nil
}

func (s *Service) invalidateEntity(ctx context.Context, entity string, ids ...string) {
	if s.Responses != nil {
		s.Responses.Invalidate(ctx, entity, ids...)
	}
}

// Me 当前用户，附带角色
func (s *Service) Me(ctx context.Context, userID string) (*model.User, error) {
	var users []model.User
	if err := s.DB.WithContext(ctx).Preload("Role").Where("id = ?", userID).Limit(1).Find(&users).Error; err != nil {
		return nil, errors.Storage(err)
	}
	if len(users) == 0 {
		return nil, errUserNotFound
	}
	return &users[0], nil
}

// Login 校验密码；开启 2FA 的用户返回挑战而非令牌
func (s *Service) Login(ctx context.Context, req *LoginRequest) (any, error) {
	u, err := s.findUser(ctx, "username = ? OR email = ?", req.Identifier, req.Identifier)
	if err != nil {
		return nil, err
	}
	if u == nil || !pkgauth.CheckPassword(req.Password, u.Password) {
		return nil, errors.ErrInvalidCredential
	}
	if u.Status2FA {
		return &TwoFactorChallenge{
			Detail:      "2FA Required",
			Required2FA: true,
			User:        ChallengeUser{ID: u.ID, Email: u.Email},
		}, nil
	}
	logger.Info("用户登录", zap.String("user_id", u.ID))
	return s.JWT.Pair(u.ID, "Welcome, "+u.Username)
}

func (s *Service) checkAvailable(ctx context.Context, username, email string) error {
	taken, err := s.exists(ctx, "username", username)
	if err != nil {
		return err
	}
	if taken {
		return errors.Validation("Username already exists")
	}
	if taken, err = s.exists(ctx, "email", email); err != nil {
		return err
	}
	if taken {
		return errors.Validation("Email already exists")
	}
	return nil
}

// Register 创建待验证用户，验证邮件由用户实体钩子发送
func (s *Service) Register(ctx context.Context, req *RegisterRequest) error {
	if err := s.checkAvailable(ctx, req.Username, req.Email); err != nil {
		return err
	}
	if _, err := s.Users.BulkCreate(ctx, []model.User{{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	}}); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Verify 用验证令牌激活账号，令牌随即作废
func (s *Service) Verify(ctx context.Context, token string) error {
	if err := s.checkRevoked(ctx, token, "The provided token has been blacklisted."); err != nil {
		return err
	}
	claims, err := s.JWT.Parse(token)
	if err != nil {
		if s.JWT.IsExpired(token) {
			return errors.Validation("The token has expired.")
		}
		return errors.Validation("The token provided is invalid for user verification.")
	}
	if claims.Type != pkgauth.TokenVerifyUser || claims.ID == "" {
		return errors.Validation("The token provided is invalid for user verification.")
	}
	if _, err := s.mustUser(ctx, claims.ID, errors.NotFound("User not found.")); err != nil {
		return err
	}
	if err := s.updateUser(ctx, claims.ID, map[string]any{"status": model.StatusActive}); err != nil {
		return err
	}
	return s.Blacklist.Add(ctx, token)
}

// cooldownRemaining 剩余冷却秒数，0 表示可以发送
func (s *Service) cooldownRemaining(ctx context.Context, key string) int {
	raw, err := s.Cooldowns.Get(ctx, key)
	if err != nil {
		return 0
	}
	until, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	left := time.Unix(until, 0).Sub(s.now())
	if left <= 0 {
		return 0
	}
	return int(left.Round(time.Second).Seconds())
}

func (s *Service) startCooldown(ctx context.Context, key string) int {
	until := s.now().Add(Cooldown).Unix()
	if err := s.Cooldowns.Set(ctx, key, []byte(strconv.FormatInt(until, 10)), Cooldown); err != nil {
		logger.Warn("写入冷却计时失败", zap.String("key", key), zap.Error(err))
	}
	return int(Cooldown.Seconds())
}

// ResendVerification 重发验证邮件，返回冷却秒数
func (s *Service) ResendVerification(ctx context.Context, email string) (int, error) {
	u, err := s.findUser(ctx, "email = ?", email)
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, errUserNotFound
	}
	if u.Status != model.StatusPending {
		return 0, errors.Validation("User already verified")
	}
	key := "verify_token:" + u.ID
	if left := s.cooldownRemaining(ctx, key); left > 0 {
		return 0, errors.TooManyRequests("Please wait before requesting another verification email.").With("cooldown_remaining", left)
	}

	token, err := s.JWT.Generate(u.ID, pkgauth.TokenVerifyUser)
	if err != nil {
		return 0, err
	}
	mail.Go(s.Mail, []string{u.Email}, "Account Verification", mail.TemplateVerification, mail.Data{
		AppName:  s.App.Name,
		UserName: u.Username,
		Link:     s.App.VerifyURL + "?token=" + token,
	})
	return s.startCooldown(ctx, key), nil
}

// Logout 拉黑当前令牌
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.Blacklist.Add(ctx, token)
}

// ForgotPassword 发送重置密码邮件，返回冷却秒数
func (s *Service) ForgotPassword(ctx context.Context, email string) (int, error) {
	u, err := s.findUser(ctx, "email = ?", email)
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, errors.NotFound("User with the provided email not found")
	}
	key := "password_reset:" + u.ID
	if left := s.cooldownRemaining(ctx, key); left > 0 {
		return 0, errors.TooManyRequests("Please wait before requesting another reset email.").With("cooldown_remaining", left)
	}

	token, err := s.JWT.Generate(u.ID, pkgauth.TokenResetPassword)
	if err != nil {
		return 0, err
	}
	mail.Go(s.Mail, []string{u.Email}, subjectReset, mail.TemplatePasswordReset, mail.Data{
		AppName:  s.App.Name,
		UserName: u.Username,
		Link:     s.App.ResetURL + "?token=" + token,
	})
	return s.startCooldown(ctx, key), nil
}

func (s *Service) setPassword(ctx context.Context, id, password string) error {
	n, err := s.Users.BulkUpdate(ctx, []map[string]any{{"id": id, "password": password}})
	if err != nil {
		return err
	}
	if n == 0 {
		return errUserNotFound
	}
	s.invalidate(ctx, id)
	return nil
}

// ResetPassword 用重置令牌设置新密码，令牌随即作废
func (s *Service) ResetPassword(ctx context.Context, req *ResetPasswordRequest) error {
	if err := s.checkRevoked(ctx, req.Token, "Token has been blacklisted"); err != nil {
		return err
	}
	if req.NewPassword != req.ConfirmPassword {
		return errors.Validation("Passwords do not match")
	}
	claims, err := s.JWT.ParseType(req.Token, pkgauth.TokenResetPassword)
	if err != nil {
		if s.JWT.IsExpired(req.Token) {
			return errors.Validation("Token expired")
		}
		return errors.Validation("Invalid token")
	}
	if _, err := s.mustUser(ctx, claims.ID, errUserNotFound); err != nil {
		return err
	}
	if err := pkgauth.ValidatePassword(req.NewPassword); err != nil {
		return err
	}
	if err := s.setPassword(ctx, claims.ID, req.NewPassword); err != nil {
		return err
	}
	return s.Blacklist.Add(ctx, req.Token)
}

// ChangePassword 校验旧密码后修改
func (s *Service) ChangePassword(ctx context.Context, userID string, req *ChangePasswordRequest) error {
	u, err := s.mustUser(ctx, userID, errUserNotFound)
	if err != nil {
		return err
	}
	if !pkgauth.CheckPassword(req.CurrentPassword, u.Password) {
		return errors.Authentication("Invalid Old password")
	}
	if req.NewPassword != req.ConfirmPassword {
		return errors.Validation("Passwords do not match")
	}
	if err := pkgauth.ValidatePassword(req.NewPassword); err != nil {
		return err
	}
	return s.setPassword(ctx, userID, req.NewPassword)
}

// UsernameTaken 用户名是否已被占用
func (s *Service) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "username", username)
}

// EmailTaken 邮箱是否已被占用
func (s *Service) EmailTaken(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "email", email)
}

// Refresh 用刷新令牌换取新的访问令牌
func (s *Service) Refresh(ctx context.Context, token string) (*AccessToken, error) {
	if err := s.checkRevoked(ctx, token, "The provided token has been blacklisted."); err != nil {
		return nil, err
	}
	claims, err := s.JWT.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != pkgauth.TokenRefresh || claims.ID == "" {
		return nil, errors.Validation("The token provided is invalid for token refresh.")
	}
	if _, err := s.mustUser(ctx, claims.ID, errors.NotFound("User not found.")); err != nil {
		return nil, err
	}
	access, err := s.JWT.Generate(claims.ID, pkgauth.TokenAccess)
	if err != nil {
		return nil, err
	}
	return &AccessToken{AccessToken: access, TokenType: "bearer"}, nil
}

// SetupTOTP 生成 2FA 密钥，密文交给客户端在确认时带回
func (s *Service) SetupTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	u, err := s.mustUser(ctx, userID, errUserNotFound)
	if err != nil {
		return nil, err
	}
	if u.Status2FA {
		return nil, errors.Validation("2FA is already enabled for this user")
	}
	setup, err := pkgauth.GenerateTOTP(s.App.Name, u.Email)
	if err != nil {
		return nil, err
	}
	sealed, err := s.Box.Seal(setup.Secret)
	if err != nil {
		return nil, err
	}
	return &TOTPSetup{QRCode: setup.QRCode, Secret: sealed}, nil
}

// VerifyTOTPSetup 校验一次性密码后开启 2FA
func (s *Service) VerifyTOTPSetup(ctx context.Context, userID string, req *VerifySetupRequest) error {
	if _, err := s.mustUser(ctx, userID, errUserNotFound); err != nil {
		return err
	}
	secret, err := s.Box.Open(req.Secret)
	if err != nil || !pkgauth.ValidateTOTP(req.OTPCode, secret) {
		return errInvalidOTP
	}
	return s.updateUser(ctx, userID, map[string]any{"status_2fa": true, "secret_2fa": req.Secret})
}

// VerifyTOTP 登录第二步，通过后签发令牌
func (s *Service) VerifyTOTP(ctx context.Context, req *VerifyOTPRequest) (*pkgauth.TokenPair, error) {
	u, err := s.mustUser(ctx, req.UserID, errUserNotFound)
	if err != nil {
		return nil, err
	}
	if !u.Status2FA {
		return nil, errors.Validation("2FA is not enabled for this user")
	}
	secret, err := s.Box.Open(u.Secret2FA)
	if err != nil || !pkgauth.ValidateTOTP(req.OTPCode, secret) {
		return nil, errInvalidOTP
	}
	return s.JWT.Pair(u.ID, "Welcome, "+u.Username)
}

// DisableTOTP 关闭 2FA
func (s *Service) DisableTOTP(ctx context.Context, userID string) error {
	u, err := s.mustUser(ctx, userID, errUserNotFound)
	if err != nil {
		return err
	}
	if !u.Status2FA {
		return errors.Validation("2FA is already disabled")
	}
	return s.updateUser(ctx, userID, map[string]any{"status_2fa": false, "secret_2fa": ""})
}

// ListAPIKeys 用户的 API Key，只展示哈希前缀
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]APIKeyView, error) {
	var keys []model.APIKey
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&keys).Error; err != nil {
		return nil, errors.Storage(err)
	}
	out := make([]APIKeyView, len(keys))
	for i, k := range keys {
		out[i] = APIKeyView{ID: k.ID, Key: utils.Mask(k.Key, 4), CreatedAt: k.CreatedAt}
	}
	return out, nil
}

// CreateAPIKey 生成新的 API Key，明文只返回这一次
func (s *Service) CreateAPIKey(ctx context.Context, userID string) (string, error) {
	raw := utils.TokenURLSafe(32)
	key := model.APIKey{UserID: userID, Key: utils.SHA256(raw)}
	key.CreatedBy = &userID
	if err := s.DB.WithContext(ctx).Create(&key).Error; err != nil {
		return "", errors.Storage(err)
	}
	s.invalidateEntity(ctx, APIKeysEntity, key.ID)
	return raw, nil
}

// RemoveAPIKey 删除用户自己的 API Key
func (s *Service) RemoveAPIKey(ctx context.Context, userID, id string) error {
	res := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.APIKey{})
	if res.Error != nil {
		return errors.Storage(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("API Key not found")
	}
	s.invalidateEntity(ctx, APIKeysEntity, id)
	return nil
}

// LoginRedirect 角色对应的登录后跳转地址
func (s *Service) LoginRedirect(ctx context.Context, userID string) (string, error) {
	u, err := s.mustUser(ctx, userID, errUserNotFound)
	if err != nil {
		return "", err
	}
	if u.RoleID == nil || *u.RoleID == "" {
		return "", errors.NotFound("User does not have a role assigned")
	}
	var rr []model.RoleRedirection
	if err := s.DB.WithContext(ctx).Where("role_id = ?", *u.RoleID).Limit(1).Find(&rr).Error; err != nil {
		return "", errors.Storage(err)
	}
	if len(rr) == 0 {
		return "", errors.NotFound("No redirection found for the user's role")
	}
	return rr[0].Redirect, nil
}

// Invite 向邮箱发送带角色的邀请令牌
func (s *Service) Invite(ctx context.Context, req *InviteRequest) error {
	taken, err := s.exists(ctx, "email", req.Email)
	if err != nil {
		return err
	}
	if taken {
		return errors.Validation("Email already exists")
	}
	var roles []model.Role
	if err := s.DB.WithContext(ctx).Where("id = ?", req.RoleID).Limit(1).Find(&roles).Error; err != nil {
		return errors.Storage(err)
	}
	if len(roles) == 0 {
		return errors.NotFound("Role not found")
	}

	token, err := s.JWT.GenerateInvitation(req.Email, req.RoleID)
	if err != nil {
		return err
	}
	base := s.App.InviteURL
	if base == "" {
		base = s.App.VerifyURL
	}
	name, _, _ := strings.Cut(req.Email, "@")
	mail.Go(s.Mail, []string{req.Email}, subjectInvitation, mail.TemplateInvitation, mail.Data{
		AppName:  s.App.Name,
		UserName: name,
		Link:     base + "?token=" + token,
		Role:     roles[0].Name,
	})
	return nil
}

// RegisterInvited 用邀请令牌注册，角色取自令牌，令牌随即作废
func (s *Service) RegisterInvited(ctx context.Context, req *InvitedRegisterRequest) error {
	if err := s.checkRevoked(ctx, req.Token, "Token has been blacklisted"); err != nil {
		return err
	}
	claims, err := s.JWT.ParseType(req.Token, pkgauth.TokenInvitation)
	if err != nil {
		if stderrors.Is(err, errors.ErrTokenType) {
			return errors.Validation("Invalid token type")
		}
		return err
	}
	if err := s.checkAvailable(ctx, req.Username, claims.Email); err != nil {
		return err
	}
	roleID := claims.RoleID
	if _, err := s.Users.BulkCreate(ctx, []model.User{{
		Username: req.Username,
		Email:    claims.Email,
		Password: req.Password,
		RoleID:   &roleID,
	}}); err != nil {
		return err
	}
	s.invalidate(ctx)
	return s.Blacklist.Add(ctx, req.Token)
}
