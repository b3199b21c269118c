package dal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/goback/crudkit/pkg/cache"
	apperrors "github.com/goback/crudkit/pkg/errors"
	"github.com/goback/crudkit/pkg/response"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Item struct {
	Model
	Name   string `gorm:"size:64;uniqueIndex" json:"name" validate:"required"`
	Qty    int    `json:"qty"`
	Secret string `json:"-"`
}

func (Item) TableName() string { return "item" }

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Item{}))
	return db
}

func seed(t *testing.T, e *Engine[Item], n int) []Item {
	t.Helper()
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Name: fmt.Sprintf("item-%02d", i), Qty: i, Secret: "s"}
	}
	created, err := e.BulkCreate(context.Background(), items)
	require.NoError(t, err)
	return created
}

func newEngine(t *testing.T, opts ...EngineOption[Item]) *Engine[Item] {
	t.Helper()
	e, err := NewEngine[Item](setupDB(t), opts...)
	require.NoError(t, err)
	return e
}

func TestBulkCreateAssignsEnvelope(t *testing.T) {
	e := newEngine(t)
	ctx := WithPrincipal(context.Background(), &Principal{UserID: "admin-1", Role: "ADMIN"})

	created, err := e.BulkCreate(ctx, []Item{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, it := range created {
		assert.Len(t, it.ID, 36)
		assert.False(t, it.CreatedAt.IsZero())
		require.NotNil(t, it.CreatedBy)
		assert.Equal(t, "admin-1", *it.CreatedBy)
	}
}

func TestListPagination(t *testing.T) {
	e := newEngine(t)
	seed(t, e, 25)

	page, err := e.List(context.Background(), &ListParams{Page: 3, Size: 10, Sort: "qty:asc"})
	require.NoError(t, err)
	assert.EqualValues(t, 25, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Items, 5)
	assert.Equal(t, 20, page.Items[0].Qty)

	page, err = e.List(context.Background(), &ListParams{Page: 1, Size: 10000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Size)
	assert.Len(t, page.Items, 25)

	page, err = e.List(context.Background(), &ListParams{Page: 9, Size: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.EqualValues(t, 25, page.Total)
}

func TestListRejectsBadParams(t *testing.T) {
	e := newEngine(t)

	cases := map[string]struct {
		params ListParams
		msg    string
	}{
		"page":      {ListParams{Page: 0, Size: 10}, "Page must be greater than or equal to 1"},
		"size":      {ListParams{Page: 1, Size: 0}, "Size must be greater than or equal to 1"},
		"direction": {ListParams{Page: 1, Size: 10, Sort: "qty:up"}, "Invalid sort direction: up. Use 'asc' or 'desc'."},
		"sort":      {ListParams{Page: 1, Size: 10, Sort: "secret:asc"}, "Invalid sort field: secret"},
		"include":   {ListParams{Page: 1, Size: 10, Include: "owner"}, "Invalid include field: owner"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.List(context.Background(), &tc.params)
			require.Error(t, err)
			app := apperrors.From(err)
			assert.Equal(t, http.StatusBadRequest, app.Code)
			assert.Equal(t, tc.msg, app.Message)
		})
	}
}

func TestListFilterAndSearch(t *testing.T) {
	e := newEngine(t)
	seed(t, e, 12)

	page, err := e.List(context.Background(), &ListParams{Page: 1, Size: 50, Filters: `{"qty":{"$gte":10}}`})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	page, err = e.List(context.Background(), &ListParams{Page: 1, Size: 50, Search: "ITEM-0"})
	require.NoError(t, err)
	assert.EqualValues(t, 10, page.Total)

	_, err = e.List(context.Background(), &ListParams{Page: 1, Size: 50, Filters: `{"qty":`})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(apperrors.From(err).Message, "Invalid filter JSON"))
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	e := newEngine(t)
	items := seed(t, e, 3)
	ctx := WithPrincipal(context.Background(), &Principal{UserID: "u-9"})

	n, err := e.SoftDelete(ctx, []string{items[0].ID, items[1].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = e.SoftDelete(ctx, []string{items[0].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = e.Get(ctx, items[0].ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	got, err := e.Get(ctx, items[0].ID, WithUnscoped())
	require.NoError(t, err)
	require.NotNil(t, got.DeletedBy)
	assert.Equal(t, "u-9", *got.DeletedBy)

	page, err := e.List(ctx, &ListParams{Page: 1, Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
}

func TestHardDelete(t *testing.T) {
	e := newEngine(t)
	items := seed(t, e, 2)

	n, err := e.HardDelete(context.Background(), []string{items[0].ID, "missing"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var count int64
	require.NoError(t, e.DB().Unscoped().Model(&Item{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBulkUpdate(t *testing.T) {
	e := newEngine(t)
	items := seed(t, e, 3)
	_, err := e.SoftDelete(context.Background(), []string{items[2].ID})
	require.NoError(t, err)

	n, err := e.BulkUpdate(context.Background(), []map[string]any{
		{"id": items[0].ID, "qty": json.Number("42"), "created_by": "forged"},
		{"qty": json.Number("1")},
		{"id": items[1].ID},
		{"id": items[2].ID, "qty": json.Number("7")},
		{"id": "missing", "qty": json.Number("7")},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := e.Get(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.Qty)
	assert.Nil(t, got.CreatedBy)

	_, err = e.BulkUpdate(context.Background(), []map[string]any{{"id": items[0].ID, "qty": "many"}})
	require.Error(t, err)
	assert.Equal(t, "Invalid value for field 'qty'", apperrors.From(err).Message)
}

func TestGetNotFoundMessage(t *testing.T) {
	e := newEngine(t)
	_, err := e.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, "Item with ID nope not found", apperrors.From(err).Message)
	assert.Equal(t, http.StatusNotFound, apperrors.GetCode(err))
}

func TestConflictMessage(t *testing.T) {
	assert.Equal(t, "A record with this email already exists",
		conflictMessage(fmt.Errorf("constraint failed: UNIQUE constraint failed: user.email (2067)")))
	assert.Equal(t, "A record with the same unique value already exists",
		conflictMessage(fmt.Errorf(`duplicate key value violates unique constraint "uni_user_email"`)))
}

type auditHooks struct {
	NopHooks[Item]
	created int
	blocked string
}

func (h *auditHooks) AfterCreate(_ context.Context, items []*Item) error {
	h.created += len(items)
	return nil
}

func (h *auditHooks) BeforeDelete(_ context.Context, _ *gorm.DB, ids []string, _ bool) error {
	for _, id := range ids {
		if id == h.blocked {
			return apperrors.Validation("Item is protected")
		}
	}
	return nil
}

func TestHooks(t *testing.T) {
	hooks := &auditHooks{}
	e := newEngine(t, WithHooks[Item](hooks))
	items := seed(t, e, 2)
	assert.Equal(t, 2, hooks.created)

	hooks.blocked = items[1].ID
	_, err := e.SoftDelete(context.Background(), []string{items[0].ID, items[1].ID})
	require.Error(t, err)
	assert.Equal(t, "Item is protected", apperrors.From(err).Message)

	// 钩子失败时整批回滚
	page, err := e.List(context.Background(), &ListParams{Page: 1, Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
}

// HTTP

type fixture struct {
	app    *fiber.App
	engine *Engine[Item]
	role   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := cache.NewResponseCache(cache.NewRedisStore(client), time.Minute, time.Minute)

	reg := NewRegistry()
	c, err := Register[Item](reg, setupDB(t), rc, Descriptor[Item]{})
	require.NoError(t, err)

	f := &fixture{engine: c.Engine()}
	f.app = fiber.New(fiber.Config{ErrorHandler: response.ErrorHandler})
	f.app.Use(func(ctx *fiber.Ctx) error {
		if f.role != "" {
			ctx.SetUserContext(WithPrincipal(ctx.UserContext(), &Principal{UserID: "tester", Role: f.role}))
		}
		return ctx.Next()
	})
	reg.Mount(f.app)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodePage(t *testing.T, body []byte) response.Page[Item] {
	t.Helper()
	var page response.Page[Item]
	require.NoError(t, json.Unmarshal(body, &page))
	return page
}

func detail(t *testing.T, body []byte) string {
	t.Helper()
	var d response.CountDetail
	require.NoError(t, json.Unmarshal(body, &d))
	return d.Detail
}

func TestControllerCreateAndListCache(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/item", `[{"name":"a"},{"name":"b"},{"name":"c"}]`)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created response.CountDetail
	require.NoError(t, json.Unmarshal(body, &created))
	assert.EqualValues(t, 3, created.Count)
	assert.Equal(t, "Data created successfully", created.Detail)

	status, body = f.do(t, http.MethodGet, "/item", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, decodePage(t, body).Total)

	// 绕过控制器写入，列表仍命中缓存
	require.NoError(t, f.engine.DB().Create(&Item{Name: "direct"}).Error)
	_, body = f.do(t, http.MethodGet, "/item", "")
	assert.EqualValues(t, 3, decodePage(t, body).Total)

	status, _ = f.do(t, http.MethodPost, "/item", `[{"name":"d"}]`)
	require.Equal(t, http.StatusCreated, status)
	_, body = f.do(t, http.MethodGet, "/item", "")
	assert.EqualValues(t, 5, decodePage(t, body).Total)
}

func TestControllerCreateValidation(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/item", `[]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No data provided for creation", detail(t, body))

	status, body = f.do(t, http.MethodPost, "/item", `{"name":"a"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Request body must be a JSON array of records", detail(t, body))

	status, body = f.do(t, http.MethodPost, "/item", `[{"qty":1}]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Field 'name' is required", detail(t, body))
}

func TestControllerConflict(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/item", `[{"name":"dup"}]`)
	require.Equal(t, http.StatusCreated, status)

	status, body := f.do(t, http.MethodPost, "/item", `[{"name":"other"},{"name":"dup"}]`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "A record with this name already exists", detail(t, body))

	// 整批回滚
	_, body = f.do(t, http.MethodGet, "/item", "")
	assert.EqualValues(t, 1, decodePage(t, body).Total)
}

func TestControllerGetAndUpdate(t *testing.T) {
	f := newFixture(t)
	items := seed(t, f.engine, 2)

	status, body := f.do(t, http.MethodGet, "/item/"+items[0].ID, "")
	require.Equal(t, http.StatusOK, status)
	var got Item
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "item-00", got.Name)
	assert.NotContains(t, string(body), "secret")

	status, body = f.do(t, http.MethodPut, "/item", fmt.Sprintf(`[{"id":%q,"qty":9}]`, items[0].ID))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "Data updated successfully", detail(t, body))

	// 更新后详情缓存失效
	_, body = f.do(t, http.MethodGet, "/item/"+items[0].ID, "")
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 9, got.Qty)

	status, body = f.do(t, http.MethodPut, "/item", `[{"id":"missing","qty":1}]`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "No matching records found for update", detail(t, body))

	status, body = f.do(t, http.MethodGet, "/item/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Item with ID missing not found", detail(t, body))
}

func TestControllerDelete(t *testing.T) {
	f := newFixture(t)
	items := seed(t, f.engine, 2)
	ids := fmt.Sprintf(`[%q]`, items[0].ID)

	status, body := f.do(t, http.MethodDelete, "/item", `[]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No IDs provided for deletion", detail(t, body))

	status, body = f.do(t, http.MethodDelete, "/item?hard_delete=true", ids)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "User role information is missing", detail(t, body))

	f.role = "EDITOR"
	status, body = f.do(t, http.MethodDelete, "/item?hard_delete=true", ids)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Only SUPERADMIN can perform hard delete", detail(t, body))

	status, body = f.do(t, http.MethodDelete, "/item", ids)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Data deleted successfully", detail(t, body))

	status, body = f.do(t, http.MethodDelete, "/item", ids)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "No matching records found", detail(t, body))

	f.role = "SUPERADMIN"
	status, _ = f.do(t, http.MethodDelete, "/item?hard_delete=true", ids)
	require.Equal(t, http.StatusOK, status)
	var count int64
	require.NoError(t, f.engine.DB().Unscoped().Model(&Item{}).Where("id = ?", items[0].ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestControllerDownload(t *testing.T) {
	f := newFixture(t)
	seed(t, f.engine, 3)

	q := url.Values{}
	q.Set("filters", `{"qty":{"$lt":2}}`)
	q.Set("sort", "qty:desc")
	req := httptest.NewRequest(http.MethodGet, "/item/download?"+q.Encode(), nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=item.csv", resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,name,qty,created_at,updated_at,deleted_at,created_by,updated_by,deleted_by", lines[0])
	assert.Contains(t, lines[1], ",item-01,1,")
	assert.Contains(t, lines[2], ",item-00,0,")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	db := setupDB(t)
	reg := NewRegistry()
	_, err := Register[Item](reg, db, nil, Descriptor[Item]{Label: "Item"})
	require.NoError(t, err)
	_, err = Register[Item](reg, db, nil, Descriptor[Item]{})
	assert.Error(t, err)

	e, ok := reg.Get("item")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "qty", "created_at", "updated_at", "deleted_at", "created_by", "updated_by", "deleted_by"}, e.Columns())
}

func TestControllerRespectsOps(t *testing.T) {
	db := setupDB(t)
	reg := NewRegistry()
	_, err := Register[Item](reg, db, nil, Descriptor[Item]{Ops: OpList | OpGet})
	require.NoError(t, err)
	app := fiber.New()
	reg.Mount(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/item", strings.NewReader(`["x"]`)), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
