package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firmware-depot/internal/auth"
	"firmware-depot/internal/storage"
)

func newTestEnv(t *testing.T) (*FirmwareHandler, *UserHandler, *auth.TokenService) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewManager(storage.Config{
		Type:          "filesystem",
		DataFile:      filepath.Join(dir, "registry.json"),
		AnalyticsFile: filepath.Join(dir, "analytics.json"),
		UploadDir:     filepath.Join(dir, "uploads"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	tokens := auth.NewTokenService("test-secret", 24, 4)
	authn := auth.Auth{Tokens: tokens}

	fh := &FirmwareHandler{
		Auth:              authn,
		Store:             store,
		MaxBytes:          1 << 20,
		AllowedExtensions: []string{".bin", ".hex"},
	}
	uh := &UserHandler{Auth: authn, Tokens: tokens, Store: store}
	return fh, uh, tokens
}

func bearerFor(t *testing.T, tokens *auth.TokenService, role string) string {
	t.Helper()
	token, err := tokens.Issue("u1", "tester", role)
	require.NoError(t, err)
	return "Bearer " + token
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	fw, err := w.CreateFormFile("firmware", filename)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doUpload(t *testing.T, fh *FirmwareHandler, authz string, fields map[string]string, filename string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, fields, filename, payload)
	req := httptest.NewRequest(http.MethodPost, "/api/firmware/upload", body)
	req.Header.Set("Content-Type", contentType)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	return rec
}

var uploadFields = map[string]string{
	"deviceType":  "esp32-main",
	"version":     "1.0.0",
	"description": "initial release",
}

func TestUploadRequiresFileManagerRole(t *testing.T) {
	fh, _, tokens := newTestEnv(t)

	rec := doUpload(t, fh, "", uploadFields, "fw.bin", []byte{1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doUpload(t, fh, bearerFor(t, tokens, auth.RoleBot), uploadFields, "fw.bin", []byte{1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doUpload(t, fh, bearerFor(t, tokens, auth.RoleFileManager), uploadFields, "fw.bin", []byte{1})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUploadValidation(t *testing.T) {
	fh, _, tokens := newTestEnv(t)
	authz := bearerFor(t, tokens, auth.RoleAdmin)

	// Missing description.
	rec := doUpload(t, fh, authz, map[string]string{
		"deviceType": "esp32-main", "version": "1.0.0",
	}, "fw.bin", []byte{1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid semver.
	rec = doUpload(t, fh, authz, map[string]string{
		"deviceType": "esp32-main", "version": "latest", "description": "x",
	}, "fw.bin", []byte{1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Disallowed extension.
	rec = doUpload(t, fh, authz, uploadFields, "fw.exe", []byte{1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate device/version pair.
	rec = doUpload(t, fh, authz, uploadFields, "fw.bin", []byte{1})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doUpload(t, fh, authz, uploadFields, "fw2.bin", []byte{2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadComputesChecksumAndUploader(t *testing.T) {
	fh, _, tokens := newTestEnv(t)

	rec := doUpload(t, fh, bearerFor(t, tokens, auth.RoleFileManager), uploadFields, "fw.bin", []byte("hello"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var fw storage.Firmware
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fw))
	// sha1("hello")
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", fw.SHA1)
	assert.Equal(t, int64(5), fw.Size)
	assert.Equal(t, "tester", fw.UploadedBy)
	assert.Equal(t, "fw.bin", fw.OriginalName)
}

func TestListFilterAndProjection(t *testing.T) {
	fh, _, tokens := newTestEnv(t)
	authz := bearerFor(t, tokens, auth.RoleFileManager)

	for _, v := range []string{"1.0.0", "1.1.0-beta.1", "1.2.0"} {
		rec := doUpload(t, fh, authz, map[string]string{
			"deviceType": "esp32-main", "version": v, "description": "rel " + v,
		}, "fw-"+v+".bin", []byte(v))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// Full listing is public.
	req := httptest.NewRequest(http.MethodGet, "/api/firmwares", nil)
	rec := httptest.NewRecorder()
	fh.Collection(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var fws []storage.Firmware
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fws))
	assert.Len(t, fws, 3)

	// Stable + number + minimal.
	req = httptest.NewRequest(http.MethodGet, "/api/firmwares?device=esp32-main&stable=true&number=1&minimal=1", nil)
	rec = httptest.NewRecorder()
	fh.Collection(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var minimal []storage.FirmwareMinimal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minimal))
	require.Len(t, minimal, 1)
	assert.Equal(t, "1.2.0", minimal[0].Version)
	assert.NotEmpty(t, minimal[0].SHA1)

	// Search scoping.
	req = httptest.NewRequest(http.MethodGet, "/api/firmwares?search=beta", nil)
	rec = httptest.NewRecorder()
	fh.Collection(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fws))
	require.Len(t, fws, 1)
	assert.Equal(t, "1.1.0-beta.1", fws[0].Version)

	// Version range pattern, limit applied after the pattern.
	req = httptest.NewRequest(http.MethodGet, "/api/firmwares?device=esp32-main&version=^1.1.0&number=1", nil)
	rec = httptest.NewRecorder()
	fh.Collection(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fws))
	require.Len(t, fws, 1)
	assert.Equal(t, "1.2.0", fws[0].Version)
}

func TestDownloadSetsHeadersAndCountsDownloads(t *testing.T) {
	fh, _, tokens := newTestEnv(t)

	rec := doUpload(t, fh, bearerFor(t, tokens, auth.RoleFileManager), uploadFields, "fw.bin", []byte{0xca, 0xfe})
	require.Equal(t, http.StatusCreated, rec.Code)
	var fw storage.Firmware
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fw))

	req := httptest.NewRequest(http.MethodGet, "/api/firmware/"+fw.ID+"/download", nil)
	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0xca, 0xfe}, rec.Body.Bytes())
	assert.Equal(t, `attachment; filename="fw.bin"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, fw.SHA1, rec.Header().Get("X-Checksum-Sha1"))

	v, err := fh.Store.GetAnalytics(context.Background(), "totalDownloads")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestLatestByDeviceType(t *testing.T) {
	fh, _, tokens := newTestEnv(t)
	authz := bearerFor(t, tokens, auth.RoleFileManager)

	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		rec := doUpload(t, fh, authz, map[string]string{
			"deviceType": "esp32-main", "version": v, "description": "rel",
		}, "fw.bin", []byte(v))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/firmware/esp32-main/latest", nil)
	rec := httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var fw storage.Firmware
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fw))
	assert.Equal(t, "1.10.0", fw.Version)

	req = httptest.NewRequest(http.MethodGet, "/api/firmware/unknown-device/latest", nil)
	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAndDeleteFirmware(t *testing.T) {
	fh, _, tokens := newTestEnv(t)
	authz := bearerFor(t, tokens, auth.RoleFileManager)

	rec := doUpload(t, fh, authz, uploadFields, "fw.bin", []byte{1})
	require.Equal(t, http.StatusCreated, rec.Code)
	var fw storage.Firmware
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fw))

	body, _ := json.Marshal(map[string]string{"version": "1.0.1", "description": "patched"})
	req := httptest.NewRequest(http.MethodPut, "/api/firmware/"+fw.ID, bytes.NewReader(body))
	req.Header.Set("Authorization", authz)
	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated storage.Firmware
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "1.0.1", updated.Version)
	assert.Equal(t, "tester", updated.UpdatedBy)

	req = httptest.NewRequest(http.MethodDelete, "/api/firmware/"+fw.ID, nil)
	req.Header.Set("Authorization", authz)
	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/firmware/"+fw.ID, nil)
	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevices(t *testing.T) {
	fh, _, tokens := newTestEnv(t)
	authz := bearerFor(t, tokens, auth.RoleFileManager)

	rec := doUpload(t, fh, authz, uploadFields, "fw.bin", []byte{1})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec = httptest.NewRecorder()
	fh.Devices(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var types []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &types))
	assert.Equal(t, []string{"esp32-main"}, types)
}

func TestStatsEndpoint(t *testing.T) {
	fh, _, tokens := newTestEnv(t)
	authz := bearerFor(t, tokens, auth.RoleFileManager)

	rec := doUpload(t, fh, authz, uploadFields, "fw.bin", []byte("abcd"))
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/firmwares/stats", nil)
	rec = httptest.NewRecorder()
	fh.Collection(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["totalFirmwares"])
	assert.EqualValues(t, 4, stats["totalSize"])
}
