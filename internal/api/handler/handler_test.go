package handler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/magickapi/internal/api/handler"
	mw "github.com/kiranshivaraju/magickapi/internal/api/middleware"
	"github.com/kiranshivaraju/magickapi/internal/auth"
	"github.com/kiranshivaraju/magickapi/internal/imaging"
	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fixtures ---

func newKeyStore(t *testing.T) *keystore.Store {
	t.Helper()
	ks, err := keystore.Open(context.Background(),
		keystore.NewFilePersister(filepath.Join(t.TempDir(), "keys.json")),
		keystore.WithHasher(keystore.NewHasher(keystore.MinHashIterations)))
	require.NoError(t, err)
	return ks
}

func keysRouter(ks handler.KeyManager) http.Handler {
	r := chi.NewRouter()
	r.Post("/keys", handler.NewCreateKeyHandler(ks))
	r.Get("/keys", handler.NewListKeysHandler(ks))
	r.Get("/keys/{keyID}", handler.NewGetKeyHandler(ks))
	r.Patch("/keys/{keyID}", handler.NewRenameKeyHandler(ks))
	r.Delete("/keys/{keyID}", handler.NewRevokeKeyHandler(ks))
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

// ─── admin keys ──────────────────────────────────────────────────────────────

func TestCreateKey(t *testing.T) {
	ks := newKeyStore(t)
	h := keysRouter(ks)

	rec := do(t, h, http.MethodPost, "/keys", `{"name":"ci","permissions":["process"],"expires_days":30}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	data := dataOf(t, rec)
	raw, _ := data["api_key"].(string)
	assert.True(t, strings.HasPrefix(raw, keystore.CredentialPrefix))
	assert.Equal(t, keystore.KeyIDFromCredential(raw), data["key_id"])
	assert.Equal(t, "ci", data["name"])
	assert.Equal(t, []any{"process"}, data["permissions"])
	assert.Equal(t, true, data["active"])
	assert.NotNil(t, data["expires_at"])
	assert.NotContains(t, rec.Body.String(), "secret_hash")
	assert.NotContains(t, rec.Body.String(), "salt")

	// The credential is usable immediately.
	_, err := auth.New(ks).Authorize(context.Background(), raw, models.PermissionProcess)
	assert.NoError(t, err)
}

func TestCreateKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing name", `{"permissions":["process"]}`},
		{"unknown permission", `{"name":"x","permissions":["root"]}`},
		{"non-positive expiry", `{"name":"x","expires_days":0}`},
	}

	h := keysRouter(newKeyStore(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/keys", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", errCode(t, rec))
		})
	}
}

func TestListKeys_NeverExposesSecrets(t *testing.T) {
	ks := newKeyStore(t)
	ctx := context.Background()
	_, raw, err := ks.Create(ctx, keystore.CreateParams{Name: "one"})
	require.NoError(t, err)
	_, _, err = ks.Create(ctx, keystore.CreateParams{Name: "two"})
	require.NoError(t, err)

	rec := do(t, keysRouter(ks), http.MethodGet, "/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data, 2)
	assert.Equal(t, "one", env.Data[0]["name"])
	assert.Equal(t, "two", env.Data[1]["name"])
	assert.NotContains(t, rec.Body.String(), raw)
	assert.NotContains(t, rec.Body.String(), "secret_hash")
}

func TestGetKey(t *testing.T) {
	ks := newKeyStore(t)
	key, _, err := ks.Create(context.Background(), keystore.CreateParams{Name: "lookup"})
	require.NoError(t, err)
	h := keysRouter(ks)

	rec := do(t, h, http.MethodGet, "/keys/"+key.KeyID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lookup", dataOf(t, rec)["name"])

	rec = do(t, h, http.MethodGet, "/keys/0000000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, rec))
}

func TestRenameKey(t *testing.T) {
	ks := newKeyStore(t)
	key, _, err := ks.Create(context.Background(), keystore.CreateParams{Name: "old"})
	require.NoError(t, err)
	h := keysRouter(ks)

	rec := do(t, h, http.MethodPatch, "/keys/"+key.KeyID, `{"name":"new"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new", dataOf(t, rec)["name"])

	rec = do(t, h, http.MethodPatch, "/keys/"+key.KeyID, `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, "/keys/0000000000000000", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeKey(t *testing.T) {
	ks := newKeyStore(t)
	key, raw, err := ks.Create(context.Background(), keystore.CreateParams{Name: "doomed"})
	require.NoError(t, err)
	h := keysRouter(ks)

	rec := do(t, h, http.MethodDelete, "/keys/"+key.KeyID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dataOf(t, rec)["revoked"])

	// Idempotent.
	rec = do(t, h, http.MethodDelete, "/keys/"+key.KeyID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/keys/"+key.KeyID, "")
	assert.Equal(t, false, dataOf(t, rec)["active"])

	_, err = auth.New(ks).Authorize(context.Background(), raw, models.PermissionProcess)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	rec = do(t, h, http.MethodDelete, "/keys/0000000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type failingKeys struct{ handler.KeyManager }

func (failingKeys) List(context.Context) ([]*models.APIKey, error) {
	return nil, &keystore.StorageError{Op: "load", Err: errors.New("disk gone")}
}

func TestListKeys_StorageError(t *testing.T) {
	rec := do(t, keysRouter(failingKeys{}), http.MethodGet, "/keys", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "disk gone")
}

// ─── process ─────────────────────────────────────────────────────────────────

type fakeProcessor struct {
	out    []byte
	err    error
	action imaging.Action
	params imaging.Params
	ext    string
}

func (f *fakeProcessor) Process(_ context.Context, data []byte, ext string, action imaging.Action, params imaging.Params) ([]byte, error) {
	f.action, f.params, f.ext = action, params, ext
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return data, nil
}

func multipartRequest(t *testing.T, path, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mpw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mpw.WriteField(k, v))
	}
	require.NoError(t, mpw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	return req
}

func TestProcess_ReturnsImage(t *testing.T) {
	proc := &fakeProcessor{out: []byte("JPEGBYTES")}
	h := handler.NewProcessHandler(proc, true)

	req := multipartRequest(t, "/process", "holiday.JPG", []byte("in"), map[string]string{
		"action":            "Resize",
		"resize_percentage": "25",
	})
	req = req.WithContext(mw.SetAPIKey(req.Context(), &auth.Result{KeyID: "k", Name: "worker"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "processed_holiday.jpg")
	assert.Equal(t, "JPEGBYTES", rec.Body.String())
	assert.Equal(t, imaging.ActionResize, proc.action)
	assert.Equal(t, "25", proc.params.ResizePercentage)
	assert.Equal(t, "jpg", proc.ext)
}

func TestProcess_InvalidUploads(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		fields   map[string]string
	}{
		{"no file", "", map[string]string{"action": "flip"}},
		{"bad extension", "evil.svg", map[string]string{"action": "flip"}},
		{"no action", "a.png", nil},
		{"unknown action", "a.png", map[string]string{"action": "explode"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{}
			rec := httptest.NewRecorder()
			handler.NewProcessHandler(proc, false).ServeHTTP(rec,
				multipartRequest(t, "/process", tt.filename, []byte("x"), tt.fields))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", errCode(t, rec))
			assert.Empty(t, proc.action, "processor must not run")
		})
	}
}

func TestProcess_NotMultipart(t *testing.T) {
	rec := httptest.NewRecorder()
	handler.NewProcessHandler(&fakeProcessor{}, false).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(`{"action":"flip"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcess_TooLarge(t *testing.T) {
	req := multipartRequest(t, "/process", "a.png", bytes.Repeat([]byte("x"), 4096), map[string]string{"action": "flip"})
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 1024)

	handler.NewProcessHandler(&fakeProcessor{}, false).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errCode(t, rec))
}

func TestProcess_ProcessorErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid param", imaging.ErrInvalidParam, http.StatusBadRequest},
		{"not installed", imaging.ErrNotInstalled, http.StatusServiceUnavailable},
		{"timeout", imaging.ErrTimeout, http.StatusGatewayTimeout},
		{"failed", imaging.ErrFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.NewProcessHandler(&fakeProcessor{err: tt.err}, false).ServeHTTP(rec,
				multipartRequest(t, "/process", "a.png", []byte("x"), map[string]string{"action": "flip"}))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWebhookProcess_ReturnsBase64(t *testing.T) {
	proc := &fakeProcessor{out: []byte("PNGOUT")}
	rec := httptest.NewRecorder()
	handler.NewWebhookProcessHandler(proc, false).ServeHTTP(rec,
		multipartRequest(t, "/webhook/process", "a.png", []byte("in"), map[string]string{
			"action": "text",
			"text":   "hello",
		}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := dataOf(t, rec)
	assert.Equal(t, "image/png", data["mime_type"])
	assert.Equal(t, "text", data["action"])
	assert.Equal(t, float64(len("PNGOUT")), data["size"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("PNGOUT")), data["data"])
	assert.Regexp(t, `^processed_[0-9a-f-]{36}\.png$`, data["filename"])
	assert.Equal(t, "hello", proc.params.Text)
}

// ─── health ──────────────────────────────────────────────────────────────────

type fakeDetector struct {
	cmd string
	err error
}

func (f fakeDetector) Detect(context.Context) (string, error) { return f.cmd, f.err }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	h := handler.NewHealthHandler(handler.HealthDeps{
		Magick:      fakeDetector{cmd: "/usr/bin/magick"},
		Cache:       fakePinger{},
		AuthEnabled: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req = req.WithContext(mw.SetAPIKey(req.Context(), &auth.Result{Name: "monitor"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, true, data["imagemagick_installed"])
	assert.Equal(t, "/usr/bin/magick", data["magick_command"])
	assert.Equal(t, true, data["api_auth_enabled"])
	assert.Equal(t, "ok", data["rate_limit"])
	assert.Equal(t, "disabled", data["database"])
	assert.Equal(t, "monitor", data["authenticated_as"])
}

func TestHealth_Degraded(t *testing.T) {
	h := handler.NewHealthHandler(handler.HealthDeps{
		Magick: fakeDetector{err: imaging.ErrNotInstalled},
		Cache:  fakePinger{err: errors.New("down")},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "degraded", data["status"])
	assert.Equal(t, false, data["imagemagick_installed"])
	assert.Nil(t, data["magick_command"])
	assert.Equal(t, "unavailable", data["rate_limit"])
	_, authed := data["authenticated_as"]
	assert.False(t, authed)
}
