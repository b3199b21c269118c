package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/goback/crudkit/pkg/auth"
	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/rbac"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identities struct {
	users map[string]*Identity
	keys  map[string]*Identity
}

func (s *identities) ByUserID(_ context.Context, id string) (*Identity, error) {
	return s.users[id], nil
}

func (s *identities) ByAPIKey(_ context.Context, hash string) (*Identity, error) {
	return s.keys[hash], nil
}

type gateFixture struct {
	app       *fiber.App
	jwt       *auth.JWTManager
	blacklist *auth.Blacklist
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	return newGateFixtureWith(t, nil)
}

// newGateFixtureWith 黑名单使用 revoked 存储，nil 时与权限表共用内存存储
func newGateFixtureWith(t *testing.T, revoked cache.Store) *gateFixture {
	t.Helper()
	mem := cache.NewMemoryStore()
	if revoked == nil {
		revoked = mem
	}
	perms := rbac.NewStore(func(context.Context) ([]rbac.Rule, error) {
		return []rbac.Rule{
			{Role: rbac.Public, Route: "/health", Method: "GET"},
			{Role: "EDITOR", Route: "/api/user", Method: "GET"},
			{Role: "EDITOR", Route: "/api/user", Method: "POST"},
			{Role: "EDITOR", Route: "/api/user/{id}", Method: "GET"},
		}, nil
	}, mem, 0)

	cfg := config.Default().JWT
	cfg.Secret = "gate-secret"
	f := &gateFixture{jwt: auth.NewJWTManager(&cfg), blacklist: auth.NewBlacklist(revoked, 0)}

	ids := &identities{
		users: map[string]*Identity{
			"active":  {UserID: "active", Role: "EDITOR", Status: StatusActive},
			"paused":  {UserID: "paused", Role: "EDITOR", Status: StatusPaused},
			"pending": {UserID: "pending", Role: "EDITOR", Status: StatusPending},
			"blocked": {UserID: "blocked", Role: "EDITOR", Status: StatusBlocked},
			"norole":  {UserID: "norole", Status: StatusActive},
		},
		keys: map[string]*Identity{
			utils.SHA256("raw-key"): {UserID: "active", Role: "EDITOR", Status: StatusActive},
		},
	}

	f.app = fiber.New(fiber.Config{ErrorHandler: response.ErrorHandler})
	f.app.Use(Gate(GateConfig{
		Permissions:    perms,
		JWT:            f.jwt,
		Blacklist:      f.blacklist,
		Identities:     ids,
		PublicPrefixes: []string{"/admin"},
	}))
	ok := func(c *fiber.Ctx) error {
		p := dal.PrincipalFrom(c.UserContext())
		if p == nil {
			return c.SendString("anonymous")
		}
		return c.SendString(p.UserID)
	}
	f.app.Get("/health", ok)
	f.app.Get("/admin/index", ok)
	f.app.Get("/api/user", ok)
	f.app.Post("/api/user", ok)
	f.app.Delete("/api/user", ok)
	f.app.Get("/api/user/:id", ok)
	f.app.Get("/api/fail", func(*fiber.Ctx) error { return fiber.NewError(http.StatusTeapot, "teapot") })
	return f
}

func (f *gateFixture) token(t *testing.T, userID string, typ auth.TokenType) string {
	t.Helper()
	token, err := f.jwt.Generate(userID, typ)
	require.NoError(t, err)
	return token
}

func (f *gateFixture) do(t *testing.T, method, path string, headers map[string]string) (int, string, http.Header) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	var d response.Detail
	if json.Unmarshal(body, &d) == nil && d.Detail != "" {
		text = d.Detail
	}
	return resp.StatusCode, text, resp.Header
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestGatePublicAccess(t *testing.T) {
	f := newGateFixture(t)

	status, body, header := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "anonymous", body)
	assert.Regexp(t, regexp.MustCompile(`^\d+\.\d{2} ms$`), header.Get("X-Response-Time"))

	status, _, _ = f.do(t, http.MethodGet, "/admin/index", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _, _ = f.do(t, http.MethodOptions, "/api/user", nil)
	assert.NotEqual(t, http.StatusUnauthorized, status)
}

func TestGateAuthenticationErrors(t *testing.T) {
	f := newGateFixture(t)
	revoked := f.token(t, "active", auth.TokenAccess)
	require.NoError(t, f.blacklist.Add(context.Background(), revoked))

	cases := []struct {
		name    string
		headers map[string]string
		msg     string
	}{
		{"missing", nil, "Missing authentication token"},
		{"scheme", map[string]string{"Authorization": "Basic abc"}, "Invalid authentication header format"},
		{"parts", map[string]string{"Authorization": "Bearer"}, "Invalid authentication header format"},
		{"blacklisted", bearer(revoked), "Token has been blacklisted"},
		{"garbage", bearer("garbage"), "Invalid or expired token"},
		{"type", bearer(f.token(t, "active", auth.TokenRefresh)), "Invalid token type"},
		{"unknown user", bearer(f.token(t, "ghost", auth.TokenAccess)), "User not found"},
		{"api key", map[string]string{"X-API-Key": "wrong"}, "Invalid API Key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body, _ := f.do(t, http.MethodGet, "/api/user", tc.headers)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, tc.msg, body)
		})
	}
}

type downStore struct{ cache.Store }

func (downStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("redis: connection refused")
}

func TestGateDeniesWhenBlacklistUnreadable(t *testing.T) {
	f := newGateFixtureWith(t, downStore{})

	status, body, _ := f.do(t, http.MethodGet, "/api/user", bearer(f.token(t, "active", auth.TokenAccess)))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotEqual(t, "active", body)
	assert.NotContains(t, body, "connection refused")

	// 公开路由不读黑名单
	status, _, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestGateAuthorization(t *testing.T) {
	f := newGateFixture(t)
	h := bearer(f.token(t, "active", auth.TokenAccess))

	status, body, _ := f.do(t, http.MethodGet, "/api/user/abc", h)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body)

	status, body, _ = f.do(t, http.MethodDelete, "/api/user", h)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "You do not have access to this resource", body)

	status, _, _ = f.do(t, http.MethodGet, "/api/user/abc/roles", h)
	assert.Equal(t, http.StatusForbidden, status)

	status, _, _ = f.do(t, http.MethodGet, "/api/user", bearer(f.token(t, "norole", auth.TokenAccess)))
	assert.Equal(t, http.StatusForbidden, status)

	status, body, _ = f.do(t, http.MethodGet, "/api/user", map[string]string{"X-API-Key": "raw-key"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body)
}

func TestGateAccountStatus(t *testing.T) {
	f := newGateFixture(t)

	paused := bearer(f.token(t, "paused", auth.TokenAccess))
	status, _, _ := f.do(t, http.MethodGet, "/api/user", paused)
	assert.Equal(t, http.StatusOK, status)
	status, body, _ := f.do(t, http.MethodPost, "/api/user", paused)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, msgPaused, body)

	status, body, _ = f.do(t, http.MethodGet, "/api/user", bearer(f.token(t, "pending", auth.TokenAccess)))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, msgPending, body)

	status, body, _ = f.do(t, http.MethodGet, "/api/user", bearer(f.token(t, "blocked", auth.TokenAccess)))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, msgBlocked, body)
}

func TestGateHandlerErrorStillTimed(t *testing.T) {
	f := newGateFixture(t)
	status, body, header := f.do(t, http.MethodGet, "/api/fail", bearer(f.token(t, "active", auth.TokenAccess)))
	// 无权限路由在网关处被拒绝
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "You do not have access to this resource", body)
	assert.NotEmpty(t, header.Get("X-Response-Time"))
}

func TestRecovery(t *testing.T) {
	app := fiber.New()
	app.Use(Recovery())
	app.Get("/panic", func(*fiber.Ctx) error { panic("boom") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/panic", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(c.Locals("requestId").(string)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "fixed")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "fixed", resp.Header.Get("X-Request-ID"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}
