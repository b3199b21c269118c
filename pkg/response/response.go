package response

import (
	"net/http"

	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Detail 统一消息响应结构
type Detail struct {
	Detail string `json:"detail"`
}

// CountDetail 批量操作响应结构
type CountDetail struct {
	Detail string `json:"detail"`
	Count  int64  `json:"count"`
}

// Page 分页响应结构
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Pages int   `json:"pages"`
}

// Success 成功响应
func Success(c *fiber.Ctx, data any) error {
	return c.Status(http.StatusOK).JSON(data)
}

// Created 创建成功
func Created(c *fiber.Ctx, data any) error {
	return c.Status(http.StatusCreated).JSON(data)
}

// Message 仅返回消息
func Message(c *fiber.Ctx, detail string) error {
	return c.Status(http.StatusOK).JSON(Detail{Detail: detail})
}

// Count 批量操作结果
func Count(c *fiber.Ctx, status int, detail string, count int64) error {
	return c.Status(status).JSON(CountDetail{Detail: detail, Count: count})
}

// Raw 直接输出缓存的JSON
func Raw(c *fiber.Ctx, body []byte) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(http.StatusOK).Send(body)
}

// Abort 以指定状态返回消息
func Abort(c *fiber.Ctx, status int, detail string) error {
	return c.Status(status).JSON(Detail{Detail: detail})
}

// BadRequest 请求错误
func BadRequest(c *fiber.Ctx, detail string) error {
	return Abort(c, http.StatusBadRequest, detail)
}

// Unauthorized 未授权
func Unauthorized(c *fiber.Ctx, detail string) error {
	return Abort(c, http.StatusUnauthorized, detail)
}

// Forbidden 禁止访问
func Forbidden(c *fiber.Ctx, detail string) error {
	return Abort(c, http.StatusForbidden, detail)
}

// NotFound 未找到
func NotFound(c *fiber.Ctx, detail string) error {
	return Abort(c, http.StatusNotFound, detail)
}

// Error 将任意错误映射为响应
// 存储层错误只记录完整信息，对外输出通用消息
func Error(c *fiber.Ctx, err error) error {
	appErr := errors.From(err)
	if appErr.Code >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("kind", string(appErr.Kind)),
			zap.Error(err),
		)
	}
	if len(appErr.Extra) == 0 {
		return Abort(c, appErr.Code, appErr.Message)
	}
	body := fiber.Map{"detail": appErr.Message}
	for k, v := range appErr.Extra {
		body[k] = v
	}
	return c.Status(appErr.Code).JSON(body)
}

// ErrorHandler fiber全局错误处理
func ErrorHandler(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return Abort(c, fe.Code, fe.Message)
	}
	return Error(c, err)
}
