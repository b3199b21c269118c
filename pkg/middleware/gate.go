package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goback/crudkit/pkg/auth"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/rbac"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// 用户状态
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusBlocked = "blocked"
)

const (
	msgMissingToken   = "Missing authentication token"
	msgBadHeader      = "Invalid authentication header format"
	msgInvalidAPIKey  = "Invalid API Key"
	msgUserNotFound   = "User not found"
	msgPaused         = "Your account is currently paused. You are only permitted to view resources."
	msgPending        = "Your account is pending confirmation. Please verify your email address to activate your account."
	msgBlocked        = "Your account has been blocked. Please contact support for further assistance."
	localsIdentityKey = "identity"
)

// Identity 已认证的调用者
type Identity struct {
	UserID string
	Role   string
	Status string
}

// IdentitySource 按用户ID或 API Key 哈希查找身份，不存在时返回 nil, nil
type IdentitySource interface {
	ByUserID(ctx context.Context, id string) (*Identity, error)
	ByAPIKey(ctx context.Context, keyHash string) (*Identity, error)
}

// GateConfig 权限网关配置
type GateConfig struct {
	Permissions *rbac.Store
	JWT         *auth.JWTManager
	Blacklist   *auth.Blacklist
	Identities  IdentitySource
	// PublicPrefixes 无需认证的路径前缀
	PublicPrefixes []string
}

// Gate 认证与授权中间件：OPTIONS 与公开前缀直接放行，PUBLIC 角色可访问的路由免认证，
// 其余请求经 API Key 或 Bearer 令牌认证后按角色路由表授权
func Gate(cfg GateConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := gate(c, &cfg); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		latency := time.Since(start)
		c.Set("X-Response-Time", fmt.Sprintf("%.2f ms", float64(latency.Microseconds())/1000))
		logger.Info("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", latency),
		)
		return nil
	}
}

func gate(c *fiber.Ctx, cfg *GateConfig) error {
	path, method := c.Path(), c.Method()
	ctx := c.UserContext()

	if method == fiber.MethodOptions {
		return c.Next()
	}
	for _, prefix := range cfg.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return c.Next()
		}
	}
	if cfg.Permissions.Allowed(ctx, rbac.Public, path, method) {
		return c.Next()
	}

	id, apiKey, err := authenticate(c, cfg)
	if err != nil {
		return response.Error(c, err)
	}
	if err := checkStatus(id, method); err != nil {
		return response.Error(c, err)
	}

	c.Locals(localsIdentityKey, id)
	c.SetUserContext(dal.WithPrincipal(ctx, &dal.Principal{UserID: id.UserID, Role: id.Role, APIKey: apiKey}))

	if !cfg.Permissions.Allowed(ctx, id.Role, path, method) {
		return response.Error(c, errors.ErrForbidden)
	}
	return c.Next()
}

// authenticate 优先使用 X-API-Key，否则解析 Bearer 令牌
func authenticate(c *fiber.Ctx, cfg *GateConfig) (*Identity, bool, error) {
	ctx := c.UserContext()

	if key := c.Get("X-API-Key"); key != "" {
		id, err := cfg.Identities.ByAPIKey(ctx, utils.SHA256(key))
		if err != nil {
			return nil, true, errors.Storage(err)
		}
		if id == nil {
			return nil, true, errors.Authentication(msgInvalidAPIKey)
		}
		return id, true, nil
	}

	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return nil, false, errors.Authentication(msgMissingToken)
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, false, errors.Authentication(msgBadHeader)
	}
	token := parts[1]

	if cfg.Blacklist != nil {
		revoked, err := cfg.Blacklist.Contains(ctx, token)
		if err != nil {
			return nil, false, errors.Storage(err)
		}
		if revoked {
			return nil, false, errors.ErrTokenBlacklisted
		}
	}
	claims, err := cfg.JWT.ParseType(token, auth.TokenAccess)
	if err != nil {
		return nil, false, err
	}

	id, err := cfg.Identities.ByUserID(ctx, claims.ID)
	if err != nil {
		return nil, false, errors.Storage(err)
	}
	if id == nil {
		return nil, false, errors.Authentication(msgUserNotFound)
	}
	return id, false, nil
}

// checkStatus 暂停的账号只读，待验证与已封禁的账号拒绝
func checkStatus(id *Identity, method string) error {
	switch id.Status {
	case StatusPaused:
		if method != http.MethodGet && method != http.MethodHead && method != http.MethodOptions {
			return errors.Authorization(msgPaused)
		}
	case StatusPending:
		return errors.Authorization(msgPending)
	case StatusBlocked:
		return errors.Authorization(msgBlocked)
	}
	return nil
}

// CurrentIdentity 网关写入的调用者身份，公开路由上为 nil
func CurrentIdentity(c *fiber.Ctx) *Identity {
	id, _ := c.Locals(localsIdentityKey).(*Identity)
	return id
}
