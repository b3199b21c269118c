package dal

import (
	"context"
	"strings"

	"github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/filter"
	"github.com/goback/crudkit/pkg/response"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// ListParams 列表查询参数
type ListParams struct {
	Filters string `query:"filters"` // JSON 过滤树 例如: {"role__name":{"$eq":"ADMIN"}}
	Sort    string `query:"sort"`    // field:asc|desc
	Search  string `query:"search"`  // 在所有文本列上做不区分大小写的子串匹配
	Page    int    `query:"page"`
	Size    int    `query:"size"`
	Include string `query:"include"` // 逗号分隔的关联名，预加载
}

// BindQuery 从 Fiber 上下文绑定查询参数
func BindQuery(c *fiber.Ctx) (*ListParams, error) {
	params := &ListParams{Page: 1, Size: DefaultPageSize}
	if err := c.QueryParser(params); err != nil {
		return nil, errors.Query("Invalid query parameters: %s", err.Error())
	}
	return params, nil
}

// Query 构建读查询：排除软删除，应用过滤、搜索与排序
func (e *Engine[T]) Query(ctx context.Context, params *ListParams) (*gorm.DB, error) {
	tx := e.db.WithContext(ctx).Model(new(T))

	if strings.TrimSpace(params.Filters) != "" {
		var err error
		if tx, err = e.applyFilter(tx, params.Filters); err != nil {
			return nil, err
		}
	}
	if params.Search != "" {
		tx = e.applySearch(tx, params.Search)
	}

	var err error
	if tx, err = e.applySort(tx, params.Sort); err != nil {
		return nil, err
	}
	return tx.Session(&gorm.Session{}), nil
}

// List 分页列表
func (e *Engine[T]) List(ctx context.Context, params *ListParams) (*response.Page[T], error) {
	q, err := e.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	return e.Paginate(ctx, q, params.Page, params.Size, params.includes()...)
}

// All 全部匹配记录，不分页
func (e *Engine[T]) All(ctx context.Context, params *ListParams) ([]T, error) {
	q, err := e.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	if q, err = e.applyIncludes(q, params.includes()); err != nil {
		return nil, err
	}
	items := make([]T, 0)
	if err := q.Find(&items).Error; err != nil {
		return nil, e.wrap(err)
	}
	return items, nil
}

// Paginate 对查询分页，总数基于过滤后的结果统计
func (e *Engine[T]) Paginate(ctx context.Context, q *gorm.DB, page, size int, includes ...string) (*response.Page[T], error) {
	if page < 1 {
		return nil, errors.Query("Page must be greater than or equal to 1")
	}
	if size < 1 {
		return nil, errors.Query("Size must be greater than or equal to 1")
	}
	if size > e.maxPageSize {
		size = e.maxPageSize
	}

	var total int64
	if err := e.db.WithContext(ctx).Table("(?) AS sub", q).Count(&total).Error; err != nil {
		return nil, e.wrap(err)
	}

	find, err := e.applyIncludes(q, includes)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, size)
	if err := find.Offset((page - 1) * size).Limit(size).Find(&items).Error; err != nil {
		return nil, e.wrap(err)
	}

	return &response.Page[T]{
		Items: items,
		Total: total,
		Page:  page,
		Size:  size,
		Pages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

// applyFilter 编译 JSON 过滤树
func (e *Engine[T]) applyFilter(tx *gorm.DB, raw string) (*gorm.DB, error) {
	node, err := filter.Parse([]byte(raw))
	if err != nil {
		if errors.IsKind(err, errors.KindFilterSyntax) {
			return nil, err
		}
		return nil, errors.Query("Invalid filter JSON: %s", err.Error())
	}
	r, err := filter.NewResolver(e.db, new(T))
	if err != nil {
		return nil, e.wrap(err)
	}
	expr, err := filter.Compile(node, r)
	if err != nil {
		return nil, err
	}
	return r.Filter(tx, expr), nil
}

// applySearch 在所有可见文本列上 OR 匹配
func (e *Engine[T]) applySearch(tx *gorm.DB, search string) *gorm.DB {
	pattern := "%" + strings.ToLower(search) + "%"
	var (
		parts []string
		vars  []any
	)
	for _, f := range e.schema.Fields {
		if f.DBName == "" || f.DataType != schema.String || envelopeColumns[f.DBName] || f.Tag.Get("json") == "-" {
			continue
		}
		parts = append(parts, "LOWER(?) LIKE ?")
		vars = append(vars, clause.Column{Table: e.schema.Table, Name: f.DBName}, pattern)
	}
	if len(parts) == 0 {
		return tx
	}
	return tx.Where(clause.Expr{SQL: "(" + strings.Join(parts, " OR ") + ")", Vars: vars})
}

// applySort 解析 field:direction，缺省方向为 asc
func (e *Engine[T]) applySort(tx *gorm.DB, sort string) (*gorm.DB, error) {
	sort = strings.TrimSpace(sort)
	if sort == "" {
		if f := e.schema.LookUpField("created_at"); f != nil {
			tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Table: e.schema.Table, Name: f.DBName}})
		}
		if pk := e.schema.PrioritizedPrimaryField; pk != nil {
			tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Table: e.schema.Table, Name: pk.DBName}})
		}
		return tx, nil
	}

	field, dir, _ := strings.Cut(sort, ":")
	field = strings.TrimSpace(field)
	dir = strings.ToLower(strings.TrimSpace(dir))
	if dir == "" {
		dir = "asc"
	}
	if dir != "asc" && dir != "desc" {
		return nil, errors.Query("Invalid sort direction: %s. Use 'asc' or 'desc'.", dir)
	}

	f := e.lookupReadable(field)
	if f == nil {
		return nil, errors.Query("Invalid sort field: %s", field)
	}
	return tx.Order(clause.OrderByColumn{
		Column: clause.Column{Table: e.schema.Table, Name: f.DBName},
		Desc:   dir == "desc",
	}), nil
}

// applyIncludes 预加载关联，名称必须是实体的关联
func (e *Engine[T]) applyIncludes(tx *gorm.DB, includes []string) (*gorm.DB, error) {
	for _, inc := range includes {
		rel := e.relation(inc)
		if rel == "" {
			return nil, errors.Query("Invalid include field: %s", inc)
		}
		tx = tx.Preload(rel)
	}
	return tx, nil
}

func (e *Engine[T]) relation(name string) string {
	for relName, rel := range e.schema.Relationships.Relations {
		if strings.EqualFold(relName, name) || (rel.Field != nil && jsonName(rel.Field) == name) {
			return relName
		}
	}
	return ""
}

// lookupReadable 按列名或 json 名查找对外可见的列
func (e *Engine[T]) lookupReadable(key string) *schema.Field {
	for _, f := range e.schema.Fields {
		if f.DBName == "" || f.Tag.Get("json") == "-" {
			continue
		}
		if f.DBName == key || jsonName(f) == key {
			return f
		}
	}
	return nil
}

func (p *ListParams) includes() []string {
	if p.Include == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(p.Include, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
