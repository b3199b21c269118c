package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类
type Kind string

const (
	KindFilterSyntax   Kind = "filter_syntax"
	KindQuery          Kind = "query"
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindStorage        Kind = "storage"
	KindRateLimited    Kind = "rate_limited"
	KindInternal       Kind = "internal"
)

// 预定义错误
var (
	ErrInvalidCredential = Authentication("Invalid username or password")
	ErrTokenInvalid      = Authentication("Invalid or expired token")
	ErrTokenType         = Authentication("Invalid token type")
	ErrTokenBlacklisted  = Authentication("Token has been blacklisted")
	ErrForbidden         = Authorization("You do not have access to this resource")
	ErrStorage           = New(http.StatusInternalServerError, KindStorage, "A database error occurred. Please try again later.")
)

// AppError 应用错误
type AppError struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Extra 附加到响应体的字段
	Extra map[string]any `json:"-"`
	Err   error          `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 解包错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 同码同类即视为相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind && e.Message == t.Message
}

// With 附加响应字段，返回副本
func (e *AppError) With(key string, value any) *AppError {
	cp := *e
	cp.Extra = make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		cp.Extra[k] = v
	}
	cp.Extra[key] = value
	return &cp
}

// New 创建新错误
func New(code int, kind Kind, message string) *AppError {
	return &AppError{Code: code, Kind: kind, Message: message}
}

// Newf 格式化创建错误
func Newf(code int, kind Kind, format string, args ...any) *AppError {
	return New(code, kind, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code int, kind Kind, message string) *AppError {
	return &AppError{Code: code, Kind: kind, Message: message, Err: err}
}

// Is 检查是否为指定错误
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 类型转换错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// From 提取AppError，非AppError视为内部错误
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, http.StatusInternalServerError, KindInternal, "Internal server error")
}

// GetCode 获取错误码
func GetCode(err error) int {
	return From(err).Code
}

// IsKind 判断错误分类
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// FilterSyntax 过滤表达式错误
func FilterSyntax(format string, args ...any) *AppError {
	return Newf(http.StatusBadRequest, KindFilterSyntax, format, args...)
}

// Query 查询参数错误
func Query(format string, args ...any) *AppError {
	return Newf(http.StatusBadRequest, KindQuery, format, args...)
}

// Validation 业务校验错误
func Validation(message string) *AppError {
	return New(http.StatusBadRequest, KindValidation, message)
}

// Conflict 唯一约束冲突
func Conflict(message string) *AppError {
	return New(http.StatusConflict, KindValidation, message)
}

// Authentication 认证失败
func Authentication(message string) *AppError {
	return New(http.StatusUnauthorized, KindAuthentication, message)
}

// Authorization 无权限
func Authorization(message string) *AppError {
	return New(http.StatusForbidden, KindAuthorization, message)
}

// NotFound 资源不存在
func NotFound(message string) *AppError {
	return New(http.StatusNotFound, KindNotFound, message)
}

// TooManyRequests 冷却中
func TooManyRequests(message string) *AppError {
	return New(http.StatusTooManyRequests, KindRateLimited, message)
}

// Storage 包装存储层错误，对外只暴露通用消息
func Storage(err error) *AppError {
	return Wrap(err, ErrStorage.Code, KindStorage, ErrStorage.Message)
}
