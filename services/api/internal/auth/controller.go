package auth

import (
	"net/http"
	"strings"

	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/middleware"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/router"
	"github.com/gofiber/fiber/v2"
)

// Controller 认证路由
type Controller struct {
	svc *Service
}

// NewController 创建控制器
func NewController(svc *Service) *Controller {
	return &Controller{svc: svc}
}

// Prefix 路由前缀
func (c *Controller) Prefix() string {
	return "/auth"
}

// Routes 路由配置
func (c *Controller) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Path: "/me", Handler: c.Me, Self: true},
		{Method: http.MethodPost, Path: "/login", Handler: c.Login, Public: true},
		{Method: http.MethodPost, Path: "/register", Handler: c.Register, Public: true},
		{Method: http.MethodGet, Path: "/verify/:token", Handler: c.Verify, Public: true},
		{Method: http.MethodPost, Path: "/resend-verify-token", Handler: c.ResendVerification, Public: true},
		{Method: http.MethodPost, Path: "/logout", Handler: c.Logout, Self: true},
		{Method: http.MethodPost, Path: "/forgot-password", Handler: c.ForgotPassword, Public: true},
		{Method: http.MethodPost, Path: "/reset-password", Handler: c.ResetPassword, Public: true},
		{Method: http.MethodPost, Path: "/change-password", Handler: c.ChangePassword, Self: true},
		{Method: http.MethodGet, Path: "/check-username/:username", Handler: c.CheckUsername, Public: true},
		{Method: http.MethodGet, Path: "/check-email/:email", Handler: c.CheckEmail, Public: true},
		{Method: http.MethodPost, Path: "/refresh-token", Handler: c.Refresh, Public: true},
		{Method: http.MethodPost, Path: "/2fa-setup", Handler: c.SetupTOTP, Self: true},
		{Method: http.MethodPost, Path: "/2fa-verify-setup", Handler: c.VerifyTOTPSetup, Self: true},
		{Method: http.MethodPost, Path: "/2fa-verify", Handler: c.VerifyTOTP, Public: true},
		{Method: http.MethodPost, Path: "/2fa-disable", Handler: c.DisableTOTP, Self: true},
		{Method: http.MethodGet, Path: "/api-keys", Handler: c.ListAPIKeys, Self: true},
		{Method: http.MethodPost, Path: "/api-keys", Handler: c.CreateAPIKey, Self: true},
		{Method: http.MethodDelete, Path: "/api-keys/:id", Handler: c.RemoveAPIKey, Self: true},
		{Method: http.MethodGet, Path: "/login-redirect", Handler: c.LoginRedirect, Self: true},
		{Method: http.MethodPost, Path: "/invite", Handler: c.Invite},
		{Method: http.MethodPost, Path: "/register-invited", Handler: c.RegisterInvited, Public: true},
	}
}

// currentUser 网关写入的用户ID
func currentUser(ctx *fiber.Ctx) (string, error) {
	id := middleware.CurrentIdentity(ctx)
	if id == nil || id.UserID == "" {
		return "", errors.Authentication("User is not authenticated")
	}
	return id.UserID, nil
}

// Me 当前用户
func (c *Controller) Me(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	u, err := c.svc.Me(ctx.UserContext(), uid)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, u)
}

// Login 登录
func (c *Controller) Login(ctx *fiber.Ctx) error {
	var req LoginRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	out, err := c.svc.Login(ctx.UserContext(), &req)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, out)
}

// Register 注册
func (c *Controller) Register(ctx *fiber.Ctx) error {
	var req RegisterRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.Register(ctx.UserContext(), &req); err != nil {
		return response.Error(ctx, err)
	}
	return response.Created(ctx, response.Detail{Detail: "User registered successfully. Verification link sent to your email"})
}

// Verify 邮箱验证
func (c *Controller) Verify(ctx *fiber.Ctx) error {
	if err := c.svc.Verify(ctx.UserContext(), ctx.Params("token")); err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, "User has been successfully verified.")
}

// ResendVerification 重发验证邮件
func (c *Controller) ResendVerification(ctx *fiber.Ctx) error {
	var req EmailRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	left, err := c.svc.ResendVerification(ctx.UserContext(), req.Email)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, fiber.Map{"detail": "Verification link sent to your email", "cooldown_remaining": left})
}

// Logout 注销当前令牌
func (c *Controller) Logout(ctx *fiber.Ctx) error {
	parts := strings.Fields(ctx.Get(fiber.HeaderAuthorization))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return response.Unauthorized(ctx, "Missing authentication token")
	}
	if err := c.svc.Logout(ctx.UserContext(), parts[1]); err != nil {
		return response.Error(ctx, errors.Storage(err))
	}
	return response.Message(ctx, "Logout successful")
}

// ForgotPassword 发送重置密码邮件
func (c *Controller) ForgotPassword(ctx *fiber.Ctx) error {
	var req EmailRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	left, err := c.svc.ForgotPassword(ctx.UserContext(), req.Email)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, fiber.Map{"detail": "Password reset link sent to your email", "cooldown_remaining": left})
}

// ResetPassword 重置密码
func (c *Controller) ResetPassword(ctx *fiber.Ctx) error {
	var req ResetPasswordRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.ResetPassword(ctx.UserContext(), &req); err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, "Password reset successful")
}

// ChangePassword 修改密码
func (c *Controller) ChangePassword(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	var req ChangePasswordRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.ChangePassword(ctx.UserContext(), uid, &req); err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, "Password changed successfully")
}

// CheckUsername 用户名是否可用
func (c *Controller) CheckUsername(ctx *fiber.Ctx) error {
	taken, err := c.svc.UsernameTaken(ctx.UserContext(), ctx.Params("username"))
	if err != nil {
		return response.Error(ctx, err)
	}
	if taken {
		return response.BadRequest(ctx, "Username is already taken")
	}
	return response.Message(ctx, "Username is available")
}

// CheckEmail 邮箱是否可用
func (c *Controller) CheckEmail(ctx *fiber.Ctx) error {
	taken, err := c.svc.EmailTaken(ctx.UserContext(), ctx.Params("email"))
	if err != nil {
		return response.Error(ctx, err)
	}
	if taken {
		return response.BadRequest(ctx, "Email is already taken")
	}
	return response.Message(ctx, "Email is available")
}

// Refresh 刷新访问令牌
func (c *Controller) Refresh(ctx *fiber.Ctx) error {
	var req RefreshRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	out, err := c.svc.Refresh(ctx.UserContext(), req.Token)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, out)
}

// SetupTOTP 生成 2FA 密钥与二维码
func (c *Controller) SetupTOTP(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	out, err := c.svc.SetupTOTP(ctx.UserContext(), uid)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, out)
}

// VerifyTOTPSetup 确认开启 2FA
func (c *Controller) VerifyTOTPSetup(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	var req VerifySetupRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.VerifyTOTPSetup(ctx.UserContext(), uid, &req); err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, "2FA enabled successfully!")
}

// VerifyTOTP 登录第二步
func (c *Controller) VerifyTOTP(ctx *fiber.Ctx) error {
	var req VerifyOTPRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	out, err := c.svc.VerifyTOTP(ctx.UserContext(), &req)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, out)
}

// DisableTOTP 关闭 2FA
func (c *Controller) DisableTOTP(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.DisableTOTP(ctx.UserContext(), uid); err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, "2FA disabled successfully!")
}

// ListAPIKeys 当前用户的 API Key
func (c *Controller) ListAPIKeys(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	keys, err := c.svc.ListAPIKeys(ctx.UserContext(), uid)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, keys)
}

// CreateAPIKey 生成 API Key
func (c *Controller) CreateAPIKey(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	raw, err := c.svc.CreateAPIKey(ctx.UserContext(), uid)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Created(ctx, response.Detail{Detail: raw})
}

// RemoveAPIKey 删除 API Key
func (c *Controller) RemoveAPIKey(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.RemoveAPIKey(ctx.UserContext(), uid, ctx.Params("id")); err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, "API Key removed successfully")
}

// LoginRedirect 登录后跳转地址
func (c *Controller) LoginRedirect(ctx *fiber.Ctx) error {
	uid, err := currentUser(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	redirect, err := c.svc.LoginRedirect(ctx.UserContext(), uid)
	if err != nil {
		return response.Error(ctx, err)
	}
	return response.Message(ctx, redirect)
}

// Invite 邀请用户
func (c *Controller) Invite(ctx *fiber.Ctx) error {
	var req InviteRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.Invite(ctx.UserContext(), &req); err != nil {
		return response.Error(ctx, err)
	}
	return response.Success(ctx, fiber.Map{"details": "Success", "Message": "Successfully sent the invitation email"})
}

// RegisterInvited 受邀注册
func (c *Controller) RegisterInvited(ctx *fiber.Ctx) error {
	var req InvitedRegisterRequest
	if err := router.Bind(ctx, &req); err != nil {
		return response.Error(ctx, err)
	}
	if err := c.svc.RegisterInvited(ctx.UserContext(), &req); err != nil {
		return response.Error(ctx, err)
	}
	return response.Created(ctx, response.Detail{Detail: "User registered successfully. Verification link sent to your email"})
}
