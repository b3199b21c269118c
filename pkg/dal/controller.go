package dal

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/rbac"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// Controller 实体的通用 CRUD 路由
type Controller[T any] struct {
	engine *Engine[T]
	cache  *cache.ResponseCache
	desc   Descriptor[T]
}

// NewController 创建控制器，rc 为 nil 时不缓存
func NewController[T any](engine *Engine[T], rc *cache.ResponseCache, d Descriptor[T]) *Controller[T] {
	if d.Ops == 0 {
		d.Ops = AllOps
	}
	return &Controller[T]{engine: engine, cache: rc, desc: d}
}

// Engine 生命周期引擎
func (c *Controller[T]) Engine() *Engine[T] {
	return c.engine
}

// Name 路由名
func (c *Controller[T]) Name() string {
	return c.desc.Name
}

// Label 展示名
func (c *Controller[T]) Label() string {
	return c.engine.Name()
}

// Mount 注册 CRUD 路由，/download 必须先于 /:id
func (c *Controller[T]) Mount(g fiber.Router) {
	ops := c.desc.Ops
	if ops.Has(OpList) {
		g.Get("", c.list)
	}
	if ops.Has(OpDownload) {
		g.Get("/download", c.download)
	}
	if ops.Has(OpGet) {
		g.Get("/:id", c.get)
	}
	if ops.Has(OpCreate) {
		g.Post("", c.create)
	}
	if ops.Has(OpUpdate) {
		g.Put("", c.update)
	}
	if ops.Has(OpDelete) {
		g.Delete("", c.delete)
	}
}

func (c *Controller[T]) listKey(p *ListParams) cache.ListKey {
	return cache.ListKey{Filters: p.Filters, Sort: p.Sort, Search: p.Search, Include: p.Include, Page: p.Page, Size: p.Size}
}

// list 分页列表
func (c *Controller[T]) list(ctx *fiber.Ctx) error {
	params, err := BindQuery(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}

	var key string
	if c.cache != nil {
		key = c.cache.ListKey(c.desc.Name, c.listKey(params))
		if body, ok := c.cache.Lookup(ctx.UserContext(), key); ok {
			return response.Raw(ctx, body)
		}
	}

	page, err := c.engine.List(ctx.UserContext(), params)
	if err != nil {
		return response.Error(ctx, err)
	}
	body, err := json.Marshal(page)
	if err != nil {
		return response.Error(ctx, err)
	}
	if c.cache != nil {
		c.cache.StoreList(ctx.UserContext(), key, body)
	}
	return response.Raw(ctx, body)
}

// download 导出过滤后的全部记录为 CSV
func (c *Controller[T]) download(ctx *fiber.Ctx) error {
	params, err := BindQuery(ctx)
	if err != nil {
		return response.Error(ctx, err)
	}

	ctx.Set(fiber.HeaderContentType, "text/csv")
	ctx.Set(fiber.HeaderContentDisposition, "attachment; filename="+c.desc.Name+".csv")

	var key string
	if c.cache != nil {
		lk := c.listKey(params)
		lk.Page, lk.Size = 0, 0
		key = c.cache.ListKey(c.desc.Name, lk) + "_download"
		if body, ok := c.cache.Lookup(ctx.UserContext(), key); ok {
			return ctx.Send(body)
		}
	}

	var buf bytes.Buffer
	if err := c.WriteCSV(ctx.UserContext(), params, &buf); err != nil {
		ctx.Set(fiber.HeaderContentDisposition, "")
		return response.Error(ctx, err)
	}
	if c.cache != nil {
		c.cache.StoreList(ctx.UserContext(), key, buf.Bytes())
	}
	return ctx.Send(buf.Bytes())
}

// get 单条记录
func (c *Controller[T]) get(ctx *fiber.Ctx) error {
	id := ctx.Params("id")

	var key string
	if c.cache != nil {
		key = c.cache.DetailKey(c.desc.Name, id)
		if body, ok := c.cache.Lookup(ctx.UserContext(), key); ok {
			return response.Raw(ctx, body)
		}
	}

	entity, err := c.engine.Get(ctx.UserContext(), id)
	if err != nil {
		return response.Error(ctx, err)
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return response.Error(ctx, err)
	}
	if c.cache != nil {
		c.cache.StoreDetail(ctx.UserContext(), key, body)
	}
	return response.Raw(ctx, body)
}

// create 批量创建
func (c *Controller[T]) create(ctx *fiber.Ctx) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(ctx.Body(), &raws); err != nil {
		return response.BadRequest(ctx, "Request body must be a JSON array of records")
	}
	if len(raws) == 0 {
		return response.BadRequest(ctx, "No data provided for creation")
	}

	items := make([]T, 0, len(raws))
	for _, raw := range raws {
		item, err := c.decode(raw)
		if err != nil {
			return response.Error(ctx, err)
		}
		items = append(items, item)
	}

	created, err := c.engine.BulkCreate(ctx.UserContext(), items)
	if err != nil {
		return response.Error(ctx, err)
	}
	c.invalidate(ctx)
	return response.Count(ctx, http.StatusCreated, "Data created successfully", int64(len(created)))
}

func (c *Controller[T]) decode(raw json.RawMessage) (T, error) {
	if c.desc.Decode != nil {
		return c.desc.Decode(raw)
	}
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, errors.Validation("Invalid record: " + err.Error())
	}
	if err := utils.Validate(&item); err != nil {
		return item, err
	}
	return item, nil
}

// update 批量更新
func (c *Controller[T]) update(ctx *fiber.Ctx) error {
	dec := json.NewDecoder(bytes.NewReader(ctx.Body()))
	dec.UseNumber()
	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return response.BadRequest(ctx, "Request body must be a JSON array of records")
	}
	if len(items) == 0 {
		return response.BadRequest(ctx, "No data provided for update")
	}

	count, err := c.engine.BulkUpdate(ctx.UserContext(), items)
	if err != nil {
		return response.Error(ctx, err)
	}
	if count == 0 {
		return response.NotFound(ctx, "No matching records found for update")
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	c.invalidate(ctx, ids...)
	return response.Count(ctx, http.StatusOK, "Data updated successfully", count)
}

// delete 批量删除，hard_delete=true 时物理删除且仅限 SUPERADMIN
func (c *Controller[T]) delete(ctx *fiber.Ctx) error {
	var ids []string
	if err := json.Unmarshal(ctx.Body(), &ids); err != nil {
		return response.BadRequest(ctx, "Request body must be a JSON array of IDs")
	}
	ids = utils.Unique(ids)
	if len(ids) == 0 {
		return response.BadRequest(ctx, "No IDs provided for deletion")
	}

	hard := ctx.QueryBool("hard_delete", false)
	var (
		count int64
		err   error
	)
	if hard {
		p := PrincipalFrom(ctx.UserContext())
		if p == nil || p.Role == "" {
			return response.Forbidden(ctx, "User role information is missing")
		}
		if p.Role != rbac.SuperAdmin {
			return response.Forbidden(ctx, "Only SUPERADMIN can perform hard delete")
		}
		count, err = c.engine.HardDelete(ctx.UserContext(), ids)
	} else {
		count, err = c.engine.SoftDelete(ctx.UserContext(), ids)
	}
	if err != nil {
		return response.Error(ctx, err)
	}
	if count == 0 {
		return response.NotFound(ctx, "No matching records found")
	}

	c.invalidate(ctx, ids...)
	return response.Count(ctx, http.StatusOK, "Data deleted successfully", count)
}

func (c *Controller[T]) invalidate(ctx *fiber.Ctx, ids ...string) {
	if c.cache != nil {
		c.cache.Invalidate(ctx.UserContext(), c.desc.Name, ids...)
	}
}
