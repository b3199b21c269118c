package upload

import (
	stderrors "errors"
	"net/http"
	"path"
	"strings"

	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/router"
	"github.com/goback/crudkit/pkg/storage"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxFileSize 单个文件上限
	MaxFileSize = 5 << 20
	placeholder = ".placeholder"
	// PublicPrefix 公开访问的对象路径前缀，只暴露头像
	PublicPrefix = "/public/"
	publicFolder = "profiles/"
)

// allowedTypes 扩展名 -> 允许的 MIME
var allowedTypes = map[string][]string{
	"jpeg": {"image/jpeg"},
	"jpg":  {"image/jpeg"},
	"png":  {"image/png"},
	"webp": {"image/webp"},
	"pdf":  {"application/pdf"},
	"doc":  {"application/msword"},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	"csv":  {"text/csv", "application/vnd.ms-excel"},
}

// Item 目录列表项
type Item struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Listing 目录列表
type Listing struct {
	CurrentFolder string `json:"current_folder"`
	Items         []Item `json:"items"`
}

// PublicURL 公开对象的访问路径
func PublicURL(key string) string {
	return PublicPrefix + key
}

// Controller 文件上传控制器
type Controller struct {
	Store storage.Store
}

// NewController 创建控制器
func NewController(store storage.Store) *Controller {
	return &Controller{Store: store}
}

// Prefix 路由前缀
func (c *Controller) Prefix() string {
	return "/upload"
}

// Routes 路由配置，/folders 必须先于通配路由
func (c *Controller) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodPost, Path: "", Handler: c.Upload},
		{Method: http.MethodPost, Path: "/folders", Handler: c.CreateFolder},
		{Method: http.MethodGet, Path: "", Handler: c.List},
		{Method: http.MethodGet, Path: "/*", Handler: c.Download},
		{Method: http.MethodDelete, Path: "/*", Handler: c.Delete},
	}
}

// Upload 上传文件到 folder_path 目录
func (c *Controller) Upload(ctx *fiber.Ctx) error {
	folder, err := folderParam(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	fh, err := ctx.FormFile("file")
	if err != nil {
		return response.BadRequest(ctx, "No file provided")
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fh.Filename), "."))
	mimes, ok := allowedTypes[ext]
	if !ok {
		return response.BadRequest(ctx, "Invalid file type.")
	}
	contentType := fh.Header.Get(fiber.HeaderContentType)
	if !utils.Contains(mimes, contentType) {
		return response.BadRequest(ctx, "Invalid MIME type.")
	}
	if fh.Size > MaxFileSize {
		return response.BadRequest(ctx, "File size exceeds 5MB limit.")
	}

	f, err := fh.Open()
	if err != nil {
		return response.Error(ctx, err)
	}
	defer f.Close()

	key := join(folder, strings.ReplaceAll(uuid.NewString(), "-", "")+"."+ext)
	if err := c.Store.Put(ctx.UserContext(), key, f, fh.Size, contentType); err != nil {
		return response.Error(ctx, errors.Storage(err))
	}
	logger.Info("文件已上传", zap.String("key", key), zap.Int64("size", fh.Size))
	return response.Success(ctx, fiber.Map{"message": "File uploaded successfully", "file_url": objectURL(key)})
}

// CreateFolder 写入占位对象以创建目录
func (c *Controller) CreateFolder(ctx *fiber.Ctx) error {
	folder, err := folderParam(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	if folder == "" {
		return response.BadRequest(ctx, "Folder path is required")
	}
	if err := c.Store.Put(ctx.UserContext(), join(folder, placeholder), strings.NewReader(""), 0, "text/plain"); err != nil {
		return response.Error(ctx, errors.Storage(err))
	}
	return response.Success(ctx, fiber.Map{"message": "Folder created successfully", "folder": folder + "/"})
}

// List 列出目录下的文件与子目录
func (c *Controller) List(ctx *fiber.Ctx) error {
	folder, err := folderParam(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}
	prefix := ""
	if folder != "" {
		prefix = folder + "/"
	}
	objects, err := c.Store.List(ctx.UserContext(), prefix)
	if err != nil {
		return response.Error(ctx, errors.Storage(err))
	}

	out := Listing{CurrentFolder: prefix, Items: make([]Item, 0)}
	seen := make(map[string]bool)
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		if sub, _, nested := strings.Cut(rest, "/"); nested {
			if !seen[sub] {
				seen[sub] = true
				out.Items = append(out.Items, Item{Name: sub + "/", Type: "folder"})
			}
			continue
		}
		if rest == placeholder || rest == "" {
			continue
		}
		out.Items = append(out.Items, Item{Name: rest, Type: "file", URL: objectURL(obj.Key), Size: obj.Size})
	}
	return response.Success(ctx, out)
}

// Download 输出对象内容
func (c *Controller) Download(ctx *fiber.Ctx) error {
	return c.send(ctx, ctx.Params("*"))
}

// ServePublic 公开读取头像
func (c *Controller) ServePublic(ctx *fiber.Ctx) error {
	key := ctx.Params("*")
	if clean, err := storage.CleanKey(key); err != nil || !strings.HasPrefix(clean, publicFolder) {
		return response.NotFound(ctx, "File not found")
	}
	return c.send(ctx, key)
}

func (c *Controller) send(ctx *fiber.Ctx, raw string) error {
	key, err := storage.CleanKey(raw)
	if err != nil {
		return response.BadRequest(ctx, "Invalid object path")
	}
	body, obj, err := c.Store.Get(ctx.UserContext(), key)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return response.NotFound(ctx, "File not found")
		}
		return response.Error(ctx, errors.Storage(err))
	}
	if obj.ContentType != "" {
		ctx.Set(fiber.HeaderContentType, obj.ContentType)
	}
	return ctx.SendStream(body, int(obj.Size))
}

// Delete 删除文件，路径不是文件时按目录删除其下全部对象
func (c *Controller) Delete(ctx *fiber.Ctx) error {
	key, err := storage.CleanKey(ctx.Params("*"))
	if err != nil {
		return response.BadRequest(ctx, "Invalid object path")
	}
	err = c.Store.Delete(ctx.UserContext(), key)
	if err == nil {
		return response.Success(ctx, fiber.Map{"message": "File or folder deleted successfully"})
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return response.Error(ctx, errors.Storage(err))
	}

	objects, err := c.Store.List(ctx.UserContext(), key+"/")
	if err != nil {
		return response.Error(ctx, errors.Storage(err))
	}
	if len(objects) == 0 {
		return response.NotFound(ctx, "File or folder not found")
	}
	for _, obj := range objects {
		if err := c.Store.Delete(ctx.UserContext(), obj.Key); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			return response.Error(ctx, errors.Storage(err))
		}
	}
	return response.Success(ctx, fiber.Map{"message": "File or folder deleted successfully"})
}

// folderParam 规范化 folder_path，空值表示根目录
func folderParam(ctx *fiber.Ctx) (string, error) {
	raw := strings.Trim(ctx.Query("folder_path"), "/ ")
	if raw == "" {
		return "", nil
	}
	folder, err := storage.CleanKey(raw)
	if err != nil {
		return "", errors.Validation("Invalid folder path")
	}
	return folder, nil
}

func join(folder, name string) string {
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

func objectURL(key string) string {
	return "/api/upload/" + key
}
