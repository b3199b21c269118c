package auth

import "time"

// LoginRequest 登录请求，identifier 可以是用户名或邮箱
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// TwoFactorChallenge 开启 2FA 的用户登录时返回
type TwoFactorChallenge struct {
	Detail      string        `json:"detail"`
	Required2FA bool          `json:"required_2fa"`
	User        ChallengeUser `json:"user"`
}

// ChallengeUser 2FA 校验需要的用户信息
type ChallengeUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// EmailRequest 重发验证邮件、忘记密码
type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest 重置密码
type ResetPasswordRequest struct {
	Token           string `json:"token" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// ChangePasswordRequest 修改密码
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// RefreshRequest 刷新令牌
type RefreshRequest struct {
	Token string `json:"token" validate:"required"`
}

// AccessToken 刷新后的访问令牌
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// TOTPSetup 2FA 初始化结果，secret 为密文
type TOTPSetup struct {
	QRCode string `json:"qr_code"`
	Secret string `json:"secret"`
}

// VerifySetupRequest 确认开启 2FA
type VerifySetupRequest struct {
	OTPCode string `json:"otp_code" validate:"required"`
	Secret  string `json:"secret" validate:"required"`
}

// VerifyOTPRequest 登录时的 2FA 校验
type VerifyOTPRequest struct {
	OTPCode string `json:"otp_code" validate:"required"`
	UserID  string `json:"user_id" validate:"required"`
}

// APIKeyView 列表中展示的 API Key
type APIKeyView struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// InviteRequest 邀请用户
type InviteRequest struct {
	Email  string `json:"email" validate:"required,email"`
	RoleID string `json:"role_id" validate:"required"`
}

// InvitedRegisterRequest 受邀注册
type InvitedRegisterRequest struct {
	Token    string `json:"token" validate:"required"`
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required"`
}
