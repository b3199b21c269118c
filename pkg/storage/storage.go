package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/goback/crudkit/pkg/config"
)

// ErrNotFound 对象不存在
var ErrNotFound = stderrors.New("storage: object not found")

// Object 对象元信息
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store 按 key 存取对象
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// Get 返回的 ReadCloser 由调用方关闭
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// New 按配置创建存储
func New(ctx context.Context, cfg *config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// CleanKey 规范化对象 key，拒绝空值与目录穿越
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("invalid object key")
	}
	return key, nil
}
