package router

import (
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// Bind 解析 JSON 请求体并按 validate 标签校验
func Bind(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return errors.Validation("Invalid request body")
	}
	return utils.Validate(v)
}
