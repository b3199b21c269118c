package admin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/database"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/router"
	"github.com/goback/crudkit/services/api/internal/model"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*fiber.App, *gorm.DB, *int) {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", LogLevel: "silent"})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.All()...))

	reg := dal.NewRegistry()
	_, err = dal.Register(reg, db, nil, dal.Descriptor[model.Role]{Name: "roles", Label: "Role"})
	require.NoError(t, err)

	changed := 0
	h := &Handler{
		Entities: reg,
		DB:       db,
		Endpoints: func() []router.Endpoint {
			return []router.Endpoint{
				{Route: "/api/auth/me", Method: "GET"},
				{Route: "/api/roles", Method: "GET"},
				{Route: "/api/roles", Method: "POST"},
			}
		},
		Changed: func(context.Context) { changed++ },
	}
	app := fiber.New(fiber.Config{Views: Views(), ErrorHandler: response.ErrorHandler})
	h.Mount(app)
	return app, db, &changed
}

func get(t *testing.T, app *fiber.App, target string) (int, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestIndexAndEntity(t *testing.T) {
	app, db, _ := setup(t)
	require.NoError(t, db.Create(&model.Role{Name: "EDITOR"}).Error)
	require.NoError(t, db.Create(&model.Role{Name: "VIEWER"}).Error)

	status, body := get(t, app, "/admin")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `href="/admin/entities/roles"`)

	status, body = get(t, app, "/admin/entities/roles")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "EDITOR")
	assert.Contains(t, body, "VIEWER")
	assert.Contains(t, body, "2 records")

	status, body = get(t, app, "/admin/entities/roles?search=edit")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "EDITOR")
	assert.NotContains(t, body, "VIEWER")

	status, _ = get(t, app, "/admin/entities/missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAssignRoles(t *testing.T) {
	app, db, changed := setup(t)
	role := model.Role{Name: "EDITOR"}
	require.NoError(t, db.Create(&role).Error)
	require.NoError(t, db.Create(&model.RolePermission{RoleID: role.ID, Route: "/api/old", Method: "GET"}).Error)

	form := url.Values{}
	form.Set("role", role.ID)
	form.Add("routes", "/api/roles|GET")
	form.Add("routes", "/api/roles|post")
	form.Add("routes", "broken")
	req := httptest.NewRequest(http.MethodPost, "/admin/settings/assign-roles", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/admin/settings/assign-roles", resp.Header.Get("Location"))
	assert.Equal(t, 1, *changed)

	var perms []model.RolePermission
	require.NoError(t, db.Where("role_id = ?", role.ID).Order("method").Find(&perms).Error)
	require.Len(t, perms, 2)
	assert.Equal(t, "GET", perms[0].Method)
	assert.Equal(t, "POST", perms[1].Method)
	assert.Equal(t, "/api/roles", perms[1].Route)

	status, body := get(t, app, "/admin/settings/assign-roles")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "EDITOR")
	assert.Contains(t, body, `value="/api/roles|GET" checked`)
	assert.Contains(t, body, `value="/api/auth/me|GET">`)
}
