package middleware

import (
	"fmt"
	"net/http"

	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/response"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recovery 恢复中间件
func Recovery() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.String("path", c.Path()),
					zap.String("method", c.Method()),
					zap.Stack("stack"),
				)
				err = response.Error(c, errors.Wrap(fmt.Errorf("panic: %v", r), http.StatusInternalServerError, errors.KindInternal, "Internal server error"))
			}
		}()
		return c.Next()
	}
}

// Cors 跨域中间件，预检请求直接返回 204
func Cors() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if origin := c.Get("Origin"); origin != "" {
			c.Set("Access-Control-Allow-Origin", origin)
			c.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			c.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-API-Key")
			c.Set("Access-Control-Expose-Headers", "Content-Length, Content-Disposition, X-Response-Time, X-Request-ID")
			c.Set("Access-Control-Allow-Credentials", "true")
		}
		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

// RequestID 请求ID中间件
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals("requestId", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}
