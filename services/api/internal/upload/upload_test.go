package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/router"
	"github.com/goback/crudkit/pkg/storage"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T) (*fiber.App, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctrl := NewController(store)
	app := fiber.New(fiber.Config{ErrorHandler: response.ErrorHandler, BodyLimit: 10 << 20})
	router.Register(app, "/api", ctrl)
	app.Get(PublicPrefix+"*", ctrl.ServePublic)
	return app, store
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(body, &out)
	return resp.StatusCode, out
}

func upload(t *testing.T, app *fiber.App, folder, filename, contentType string, data []byte) (int, map[string]any) {
	body, ct := multipartBody(t, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/api/upload?folder_path="+folder, body)
	req.Header.Set("Content-Type", ct)
	return do(t, app, req)
}

func TestUploadAndDownload(t *testing.T) {
	app, store := newApp(t)

	status, body := upload(t, app, "docs", "report.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "File uploaded successfully", body["message"])
	url, _ := body["file_url"].(string)
	require.True(t, strings.HasPrefix(url, "/api/upload/docs/"), url)
	assert.True(t, strings.HasSuffix(url, ".pdf"))

	objects, err := store.List(context.Background(), "docs/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, url, nil), -1)
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4", string(data))
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
}

func TestUploadRejects(t *testing.T) {
	app, _ := newApp(t)

	status, body := upload(t, app, "", "run.exe", "application/octet-stream", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid file type.", body["detail"])

	status, body = upload(t, app, "", "photo.png", "application/octet-stream", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid MIME type.", body["detail"])

	status, body = upload(t, app, "", "big.csv", "text/csv", bytes.Repeat([]byte("a"), MaxFileSize+1))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "File size exceeds 5MB limit.", body["detail"])
}

func TestFoldersListAndDelete(t *testing.T) {
	app, store := newApp(t)
	ctx := context.Background()

	status, body := do(t, app, httptest.NewRequest(http.MethodPost, "/api/upload/folders?folder_path=reports/2024", nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reports/2024/", body["folder"])

	require.NoError(t, store.Put(ctx, "reports/summary.csv", strings.NewReader("a,b"), 3, "text/csv"))

	status, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/upload?folder_path=reports", nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reports/", body["current_folder"])
	items, _ := body["items"].([]any)
	require.Len(t, items, 2)
	names := []string{}
	for _, it := range items {
		names = append(names, it.(map[string]any)["name"].(string))
	}
	assert.ElementsMatch(t, []string{"2024/", "summary.csv"}, names)

	status, _ = do(t, app, httptest.NewRequest(http.MethodDelete, "/api/upload/reports", nil))
	assert.Equal(t, http.StatusOK, status)
	left, err := store.List(ctx, "reports/")
	require.NoError(t, err)
	assert.Empty(t, left)

	status, body = do(t, app, httptest.NewRequest(http.MethodDelete, "/api/upload/reports", nil))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "File or folder not found", body["detail"])
}

func TestAvatar(t *testing.T) {
	a := RenderAvatar("alice@example.com")
	b := RenderAvatar("alice@example.com")
	assert.Equal(t, a.Pix, b.Pix)
	assert.Equal(t, 192, a.Bounds().Dx())

	// 左右对称
	for y := 0; y < 192; y += 32 {
		assert.Equal(t, a.RGBAAt(0, y), a.RGBAAt(191, y))
		assert.Equal(t, a.RGBAAt(32, y), a.RGBAAt(159, y))
	}
	assert.NotEqual(t, a.Pix, RenderAvatar("bob@example.com").Pix)

	app, store := newApp(t)
	url, err := GenerateAvatar(context.Background(), store, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, PublicURL(AvatarKey("alice@example.com")), url)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, url, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 192, img.Bounds().Dy())

	status, _ := do(t, app, httptest.NewRequest(http.MethodGet, PublicPrefix+"docs/secret.pdf", nil))
	assert.Equal(t, http.StatusNotFound, status)
}
