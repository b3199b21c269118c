package auth

import (
	stderrors "errors"
	"time"

	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
)

// TokenType 令牌用途
type TokenType string

const (
	TokenAccess        TokenType = "access"
	TokenRefresh       TokenType = "refresh"
	TokenVerifyUser    TokenType = "verify_user"
	TokenResetPassword TokenType = "reset_password"
	TokenInvitation    TokenType = "invitation"
)

// 缺省有效期
var defaultLifetimes = map[TokenType]time.Duration{
	TokenAccess:        24 * time.Hour,
	TokenRefresh:       7 * 24 * time.Hour,
	TokenVerifyUser:    24 * time.Hour,
	TokenResetPassword: time.Hour,
	TokenInvitation:    24 * time.Hour,
}

// Claims JWT声明
type Claims struct {
	ID   string    `json:"id,omitempty"`
	Type TokenType `json:"type"`
	// 邀请令牌携带
	Email  string `json:"email,omitempty"`
	RoleID string `json:"role_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager JWT管理器
type JWTManager struct {
	secret    []byte
	issuer    string
	lifetimes map[TokenType]time.Duration
	now       func() time.Time
}

// NewJWTManager 创建JWT管理器，配置中为0的有效期使用缺省值
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	m := &JWTManager{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		lifetimes: make(map[TokenType]time.Duration, len(defaultLifetimes)),
		now:       time.Now,
	}
	for k, v := range defaultLifetimes {
		m.lifetimes[k] = v
	}
	set := func(t TokenType, seconds int64) {
		if seconds > 0 {
			m.lifetimes[t] = time.Duration(seconds) * time.Second
		}
	}
	set(TokenAccess, cfg.AccessExpire)
	set(TokenRefresh, cfg.RefreshExpire)
	set(TokenVerifyUser, cfg.VerifyExpire)
	set(TokenResetPassword, cfg.ResetExpire)
	return m
}

// Lifetime 令牌有效期
func (m *JWTManager) Lifetime(t TokenType) time.Duration {
	return m.lifetimes[t]
}

// Generate 为用户签发指定用途的令牌
func (m *JWTManager) Generate(userID string, t TokenType) (string, error) {
	return m.sign(Claims{ID: userID, Type: t})
}

// GenerateInvitation 签发邀请令牌
func (m *JWTManager) GenerateInvitation(email, roleID string) (string, error) {
	return m.sign(Claims{Type: TokenInvitation, Email: email, RoleID: roleID})
}

func (m *JWTManager) sign(claims Claims) (string, error) {
	now := m.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   claims.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetimes[claims.Type])),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse 校验签名与有效期
func (m *JWTManager) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, errors.ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.ErrTokenInvalid
	}
	return claims, nil
}

// ParseType 校验并要求令牌用途一致；非邀请令牌必须携带用户ID
func (m *JWTManager) ParseType(tokenString string, t TokenType) (*Claims, error) {
	claims, err := m.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != t || (t != TokenInvitation && claims.ID == "") {
		return nil, errors.ErrTokenType
	}
	return claims, nil
}

// ExpiresAt 令牌过期时间，不校验签名；无法解析时返回零值
func ExpiresAt(tokenString string) time.Time {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// IsExpired 签名有效但已过期
func (m *JWTManager) IsExpired(tokenString string) bool {
	_, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	return stderrors.Is(err, jwt.ErrTokenExpired)
}

// TokenPair 登录返回的令牌
type TokenPair struct {
	Detail       string `json:"detail"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Pair 签发访问令牌与刷新令牌
func (m *JWTManager) Pair(userID, detail string) (*TokenPair, error) {
	access, err := m.Generate(userID, TokenAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := m.Generate(userID, TokenRefresh)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Detail: detail, AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}
