package router

import (
	"net/http"
	"sort"
	"strings"

	"github.com/goback/crudkit/pkg/rbac"
	"github.com/gofiber/fiber/v2"
)

// Route 路由配置
type Route struct {
	Method      string          // HTTP方法
	Path        string          // 相对路径
	Handler     fiber.Handler   // 处理函数
	Middlewares []fiber.Handler // 路由级中间件
	// Public 无需登录即可访问，启动时写入 PUBLIC 角色权限
	Public bool
	// Self 登录用户的自助接口，启动时写入缺省角色权限
	Self bool
}

// Registrar 路由注册器接口
type Registrar interface {
	// Prefix 返回路由前缀
	Prefix() string
	// Routes 返回路由配置列表
	Routes() []Route
}

// Register 注册路由到 app 的 base 分组下
func Register(app fiber.Router, base string, controllers ...Registrar) {
	for _, ctrl := range controllers {
		g := app.Group(base + ctrl.Prefix())
		for _, route := range ctrl.Routes() {
			g.Add(route.Method, route.Path, buildHandlers(route)...)
		}
	}
}

// PublicRules 收集公开路由，转换为权限表使用的路由模式
func PublicRules(base string, controllers ...Registrar) []rbac.Rule {
	return collect(rbac.Public, base, func(r Route) bool { return r.Public }, controllers)
}

// SelfRules 收集自助路由，授予 role
func SelfRules(role, base string, controllers ...Registrar) []rbac.Rule {
	return collect(role, base, func(r Route) bool { return r.Self }, controllers)
}

func collect(role, base string, match func(Route) bool, controllers []Registrar) []rbac.Rule {
	var rules []rbac.Rule
	for _, ctrl := range controllers {
		for _, route := range ctrl.Routes() {
			if !match(route) {
				continue
			}
			rules = append(rules, rbac.Rule{
				Role:   role,
				Route:  Pattern(base + ctrl.Prefix() + route.Path),
				Method: strings.ToUpper(route.Method),
			})
		}
	}
	return rules
}

// Endpoint 已挂载的一条路由，Route 为权限路由模式
type Endpoint struct {
	Route  string
	Method string
}

// Value 表单中使用的 route|method
func (e Endpoint) Value() string {
	return e.Route + "|" + e.Method
}

// Endpoints 列出 app 中 base 前缀下已挂载的路由，去重排序，忽略 HEAD 与中间件
func Endpoints(app *fiber.App, base string) []Endpoint {
	seen := make(map[Endpoint]bool)
	var out []Endpoint
	for _, r := range app.GetRoutes(true) {
		if r.Method == http.MethodHead || !strings.HasPrefix(r.Path, base) {
			continue
		}
		e := Endpoint{Route: Pattern(r.Path), Method: r.Method}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Route != out[j].Route {
			return out[i].Route < out[j].Route
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Rules 把路由全部授予 role
func Rules(role string, endpoints []Endpoint) []rbac.Rule {
	rules := make([]rbac.Rule, len(endpoints))
	for i, e := range endpoints {
		rules[i] = rbac.Rule{Role: role, Route: e.Route, Method: e.Method}
	}
	return rules
}

// Pattern 将 fiber 路径转换为权限路由模式：:id → {id}，* → {path:path}
func Pattern(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		switch {
		case seg == "*" || seg == "+":
			segs[i] = "{path:path}"
		case strings.HasPrefix(seg, ":"):
			segs[i] = "{" + strings.TrimSuffix(seg[1:], "?") + "}"
		}
	}
	return strings.Join(segs, "/")
}

// buildHandlers 构建处理器链(中间件 + 处理函数)
func buildHandlers(route Route) []fiber.Handler {
	if len(route.Middlewares) == 0 {
		return []fiber.Handler{route.Handler}
	}
	handlers := make([]fiber.Handler, 0, len(route.Middlewares)+1)
	handlers = append(handlers, route.Middlewares...)
	return append(handlers, route.Handler)
}
