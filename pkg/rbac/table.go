package rbac

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// 保留角色
const (
	Public     = "PUBLIC"
	SuperAdmin = "SUPERADMIN"
)

// CacheKey 权限表在缓存中的键
const CacheKey = "permission_cache"

// Methods 允许配置的 HTTP 方法
var Methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Rule 一条角色路由授权
type Rule struct {
	Role   string `json:"role"`
	Route  string `json:"route"`
	Method string `json:"method"`
}

// Table 角色 -> 路由模式 -> 方法列表
type Table map[string]map[string][]string

// Build 由授权规则构建权限表，方法统一大写并去重
func Build(rules []Rule) Table {
	t := make(Table)
	for _, r := range rules {
		if r.Role == "" || r.Route == "" {
			continue
		}
		method := strings.ToUpper(r.Method)
		routes, ok := t[r.Role]
		if !ok {
			routes = make(map[string][]string)
			t[r.Role] = routes
		}
		if !contains(routes[r.Route], method) {
			routes[r.Route] = append(routes[r.Route], method)
		}
	}
	for _, routes := range t {
		for route := range routes {
			sort.Strings(routes[route])
		}
	}
	return t
}

// Allows 任一模式匹配路径且方法在列表中即放行
func (t Table) Allows(role, path, method string) bool {
	for pattern, methods := range t[role] {
		if contains(methods, method) && MatchRoute(pattern, path) {
			return true
		}
	}
	return false
}

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
	paramPath    = regexp.MustCompile(`\{[^/:{}]+:path\}`)
	paramSegment = regexp.MustCompile(`\{[^/:{}]+\}`)
)

// compilePattern 将路由模式转换为锚定正则：{x} 匹配单段，{x:path} 匹配剩余路径
func compilePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	rest := pattern
	for rest != "" {
		loc := firstParam(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		if strings.HasSuffix(rest[loc[0]:loc[1]], ":path}") {
			b.WriteString(".+")
		} else {
			b.WriteString("[^/]+")
		}
		rest = rest[loc[1]:]
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

func firstParam(s string) []int {
	a := paramPath.FindStringIndex(s)
	b := paramSegment.FindStringIndex(s)
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a[0] <= b[0]:
		return a
	}
	return b
}

// MatchRoute 路由模式是否匹配请求路径
func MatchRoute(pattern, path string) bool {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if !ok {
		re = compilePattern(pattern)
		patternMu.Lock()
		patternCache[pattern] = re
		patternMu.Unlock()
	}
	return re.MatchString(path)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
