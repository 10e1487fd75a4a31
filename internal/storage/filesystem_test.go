package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	dir := t.TempDir()
	s := NewFileSystemStore(
		filepath.Join(dir, "registry.json"),
		filepath.Join(dir, "analytics.json"),
		filepath.Join(dir, "uploads"),
	)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestInitializeSeedsDefaultAdmin(t *testing.T) {
	s := newTestStore(t)

	admin, err := s.GetUser(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", admin.Role)
	assert.NotEmpty(t, admin.ID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte("admin123")))
}

func TestAddAndGetFirmware(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	saved, err := s.AddFirmware(ctx, Firmware{
		DeviceType:   "esp32-main",
		Version:      "1.0.0",
		Description:  "initial release",
		OriginalName: "fw.bin",
		Size:         int64(len(payload)),
		SHA1:         "abc123",
		UploadedBy:   "alice",
	}, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.NotEmpty(t, saved.FileID)
	assert.False(t, saved.CreatedAt.IsZero())
	assert.Nil(t, saved.UpdatedAt)

	got, err := s.GetFirmwareByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.Version, got.Version)

	data, err := s.GetFirmwareFile(ctx, saved.FileID)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	types, err := s.GetDeviceTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"esp32-main"}, types)
}

func TestAddFirmwareRejectsDuplicateBeforePayloadWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", OriginalName: "a.bin",
	}, []byte{1})
	require.NoError(t, err)

	before, err := os.ReadDir(s.UploadDir)
	require.NoError(t, err)

	_, err = s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", OriginalName: "b.bin",
	}, []byte{2})
	assert.ErrorIs(t, err, ErrDuplicate)

	// The rejected upload must not leave a payload behind.
	after, err := os.ReadDir(s.UploadDir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	// Same version on a different device type is fine.
	_, err = s.AddFirmware(ctx, Firmware{
		DeviceType: "zwave-hub", Version: "1.0.0", OriginalName: "c.bin",
	}, []byte{3})
	assert.NoError(t, err)
}

func TestGetFirmwareFileNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetFirmwareFile(context.Background(), "missing.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByDeviceSortedByVersionDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, v := range []string{"1.2.0", "1.10.0", "2.0.0-beta.1", "0.9.0"} {
		_, err := s.AddFirmware(ctx, Firmware{
			DeviceType: "esp32-main", Version: v, OriginalName: v + ".bin",
		}, []byte(v))
		require.NoError(t, err)
	}

	fws, err := s.GetFirmwaresByDevice(ctx, "esp32-main", Options{})
	require.NoError(t, err)
	versions := make([]string, len(fws))
	for i, fw := range fws {
		versions[i] = fw.Version
	}
	assert.Equal(t, []string{"2.0.0-beta.1", "1.10.0", "1.2.0", "0.9.0"}, versions)

	// Stable-only drops the beta, newest stable first.
	fws, err = s.GetFirmwaresByDevice(ctx, "esp32-main", Options{OnlyStable: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, fws, 2)
	assert.Equal(t, "1.10.0", fws[0].Version)
	assert.Equal(t, "1.2.0", fws[1].Version)
}

func TestSearchFirmwares(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0",
		Description: "Fixes OTA update loop", OriginalName: "esp.bin",
	}, []byte{1})
	require.NoError(t, err)
	_, err = s.AddFirmware(ctx, Firmware{
		DeviceType: "zwave-hub", Version: "2.0.0",
		Description: "Radio driver refresh", OriginalName: "hub.bin",
	}, []byte{2})
	require.NoError(t, err)

	fws, err := s.SearchFirmwares(ctx, "ota", Options{})
	require.NoError(t, err)
	require.Len(t, fws, 1)
	assert.Equal(t, "esp32-main", fws[0].DeviceType)

	fws, err = s.SearchFirmwares(ctx, "nothing-matches", Options{})
	require.NoError(t, err)
	assert.Empty(t, fws)
}

func TestUpdateFirmware(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", OriginalName: "a.bin",
	}, []byte{1})
	require.NoError(t, err)
	b, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.1.0", OriginalName: "b.bin",
	}, []byte{2})
	require.NoError(t, err)

	updated, err := s.UpdateFirmware(ctx, a.ID, FirmwareUpdate{
		Version: "1.0.1", Description: "patched", UpdatedBy: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", updated.Version)
	assert.Equal(t, "patched", updated.Description)
	assert.Equal(t, "bob", updated.UpdatedBy)
	require.NotNil(t, updated.UpdatedAt)

	// Changing the version onto an existing one is a duplicate.
	_, err = s.UpdateFirmware(ctx, a.ID, FirmwareUpdate{Version: b.Version})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.UpdateFirmware(ctx, "no-such-id", FirmwareUpdate{Description: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteFirmware(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fw, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", OriginalName: "a.bin",
	}, []byte{1})
	require.NoError(t, err)

	deleted, err := s.DeleteFirmware(ctx, fw.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetFirmwareByID(ctx, fw.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetFirmwareFile(ctx, fw.FileID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an unknown id reports false, not an error.
	deleted, err = s.DeleteFirmware(ctx, fw.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, "registry.json")
	analyticsFile := filepath.Join(dir, "analytics.json")
	uploadDir := filepath.Join(dir, "uploads")
	ctx := context.Background()

	s := NewFileSystemStore(dataFile, analyticsFile, uploadDir)
	require.NoError(t, s.Initialize(ctx))
	fw, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", OriginalName: "a.bin",
	}, []byte{0xca, 0xfe})
	require.NoError(t, err)

	reopened := NewFileSystemStore(dataFile, analyticsFile, uploadDir)
	require.NoError(t, reopened.Initialize(ctx))

	got, err := reopened.GetFirmwareByID(ctx, fw.ID)
	require.NoError(t, err)
	assert.Equal(t, fw.Version, got.Version)
	data, err := reopened.GetFirmwareFile(ctx, got.FileID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xca, 0xfe}, data)
}

func TestSaveUserUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.SaveUser(ctx, User{Username: "alice", Password: "hash1", Role: "bot"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	updated, err := s.SaveUser(ctx, User{Username: "alice", Password: "hash2", Role: "filemanager"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "filemanager", updated.Role)
	require.NotNil(t, updated.UpdatedAt)

	users, err := s.GetAllUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2) // seeded admin + alice

	deleted, err := s.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetUser(ctx, "alice")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAnalyticsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetAnalytics(ctx, "totalDownloads")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.SetAnalytics(ctx, "totalDownloads", 3))
	require.NoError(t, s.SetAnalytics(ctx, "lastClient", "ota-agent"))

	all, err := s.GetAllAnalytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), all["totalDownloads"])
	assert.Equal(t, "ota-agent", all["lastClient"])
}

func TestGetFirmwareStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddFirmware(ctx, Firmware{
		DeviceType: "zwave-hub", Version: "1.0.0", Size: 100, OriginalName: "a.bin",
	}, []byte{1})
	require.NoError(t, err)
	_, err = s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", Size: 200, OriginalName: "b.bin",
	}, []byte{2})
	require.NoError(t, err)
	require.NoError(t, s.SetAnalytics(ctx, "totalDownloads", 5))

	stats, err := s.GetFirmwareStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["totalFirmwares"])
	assert.Equal(t, []string{"esp32-main", "zwave-hub"}, stats["deviceTypes"])
	assert.Equal(t, int64(300), stats["totalSize"])
	assert.Equal(t, float64(5), stats["totalDownloads"])
}
