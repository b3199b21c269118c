package admin

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"sort"
	"strings"

	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/router"
	"github.com/goback/crudkit/services/api/internal/model"
	"github.com/goback/crudkit/services/api/internal/permission"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Prefix 后台路径
const Prefix = "/admin"

const (
	layout      = "layouts/main"
	assignPath  = Prefix + "/settings/assign-roles"
	defaultSize = 20
)

//go:embed views
var viewsFS embed.FS

// Views 后台页面模板引擎，需设置到 fiber.Config.Views
func Views() *html.Engine {
	sub, err := fs.Sub(viewsFS, "views")
	if err != nil {
		panic(err)
	}
	return html.NewFileSystem(http.FS(sub), ".html")
}

// Handler 后台页面
type Handler struct {
	Entities *dal.Registry
	DB       *gorm.DB
	// Responses 直接写权限表后失效响应缓存，可为 nil
	Responses *cache.ResponseCache
	// Endpoints 可分配的 API 路由
	Endpoints func() []router.Endpoint
	// Changed 权限分配后通知各节点
	Changed func(ctx context.Context)
}

// Mount 挂载到 app
func (h *Handler) Mount(app fiber.Router) {
	g := app.Group(Prefix)
	g.Get("", h.Index)
	g.Get("/entities/:name", h.Entity)
	g.Get("/settings/assign-roles", h.AssignRoles)
	g.Post("/settings/assign-roles", h.SaveRoles)
}

type entityView struct {
	Name  string
	Label string
}

// Index 实体列表
func (h *Handler) Index(c *fiber.Ctx) error {
	all := h.Entities.All()
	items := make([]entityView, len(all))
	for i, e := range all {
		items[i] = entityView{Name: e.Name(), Label: e.Label()}
	}
	return c.Render("index", fiber.Map{"Title": "Admin", "Entities": items}, layout)
}

// Entity 实体记录表格，支持 page 与 search
func (h *Handler) Entity(c *fiber.Ctx) error {
	e, ok := h.Entities.Get(c.Params("name"))
	if !ok {
		return response.NotFound(c, "Model not found")
	}
	params := &dal.ListParams{
		Page:   c.QueryInt("page", 1),
		Size:   c.QueryInt("size", defaultSize),
		Search: c.Query("search"),
	}
	table, err := e.Table(c.UserContext(), params)
	if err != nil {
		return response.Error(c, err)
	}

	data := fiber.Map{
		"Title":  e.Label(),
		"Name":   e.Name(),
		"Table":  table,
		"Search": params.Search,
	}
	if table.Page > 1 {
		data["Prev"] = table.Page - 1
	}
	if table.Page < table.Pages {
		data["Next"] = table.Page + 1
	}
	return c.Render("entity", data, layout)
}

type routeView struct {
	Value   string
	Route   string
	Method  string
	Checked bool
}

type groupView struct {
	Name   string
	Routes []routeView
}

type roleView struct {
	ID     string
	Name   string
	Groups []groupView
}

// group 路由按 /api 之后的第一段分组
func group(route string) string {
	parts := strings.Split(strings.TrimPrefix(route, "/"), "/")
	if len(parts) > 1 {
		return parts[1]
	}
	return parts[0]
}

// AssignRoles 角色与路由的分配矩阵
func (h *Handler) AssignRoles(c *fiber.Ctx) error {
	ctx := c.UserContext()
	var roles []model.Role
	if err := h.DB.WithContext(ctx).Order("name").Find(&roles).Error; err != nil {
		return response.Error(c, err)
	}
	var perms []model.RolePermission
	if err := h.DB.WithContext(ctx).Find(&perms).Error; err != nil {
		return response.Error(c, err)
	}
	assigned := make(map[string]map[string]bool, len(roles))
	for _, p := range perms {
		if assigned[p.RoleID] == nil {
			assigned[p.RoleID] = make(map[string]bool)
		}
		assigned[p.RoleID][p.Route+"|"+p.Method] = true
	}

	endpoints := h.Endpoints()
	views := make([]roleView, len(roles))
	for i, r := range roles {
		groups := map[string]*groupView{}
		var names []string
		for _, e := range endpoints {
			name := group(e.Route)
			g, ok := groups[name]
			if !ok {
				g = &groupView{Name: name}
				groups[name] = g
				names = append(names, name)
			}
			g.Routes = append(g.Routes, routeView{
				Value:   e.Value(),
				Route:   e.Route,
				Method:  e.Method,
				Checked: assigned[r.ID][e.Value()],
			})
		}
		sort.Strings(names)
		views[i] = roleView{ID: r.ID, Name: r.Name}
		for _, n := range names {
			views[i].Groups = append(views[i].Groups, *groups[n])
		}
	}
	return c.Render("assign_roles", fiber.Map{"Title": "Assign Roles", "Roles": views}, layout)
}

// SaveRoles 整体替换角色的路由权限
func (h *Handler) SaveRoles(c *fiber.Ctx) error {
	roleID := c.FormValue("role")
	if roleID == "" {
		return c.Redirect(assignPath, fiber.StatusSeeOther)
	}

	var endpoints []router.Endpoint
	for _, raw := range c.Request().PostArgs().PeekMulti("routes") {
		route, method, ok := strings.Cut(string(raw), "|")
		if !ok || route == "" || method == "" {
			continue
		}
		endpoints = append(endpoints, router.Endpoint{Route: route, Method: strings.ToUpper(method)})
	}

	ctx := c.UserContext()
	if err := permission.Assign(ctx, h.DB, roleID, endpoints); err != nil {
		return response.Error(c, err)
	}
	if h.Responses != nil {
		h.Responses.Invalidate(ctx, permission.Entity)
	}
	logger.Info("角色权限已更新", zap.String("role_id", roleID), zap.Int("routes", len(endpoints)))
	if h.Changed != nil {
		h.Changed(ctx)
	}
	return c.Redirect(assignPath, fiber.StatusSeeOther)
}
