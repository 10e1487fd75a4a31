package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs only against a live server, e.g.
// FW_TEST_MONGO_URI=mongodb://localhost:27017 go test ./internal/storage/
func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("FW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FW_TEST_MONGO_URI not set")
	}

	s := NewMongoStore(uri, fmt.Sprintf("firmware_depot_test_%d", time.Now().UnixNano()), "firmwares", 255*1024)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.db.Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestMongoFirmwareLifecycle(t *testing.T) {
	s := newMongoTestStore(t)
	ctx := context.Background()
	payload := []byte("mongo firmware payload")

	fw, err := s.AddFirmware(ctx, Firmware{
		DeviceType:   "esp32-main",
		Version:      "1.0.0",
		Description:  "initial",
		OriginalName: "fw.bin",
		Size:         int64(len(payload)),
		SHA1:         "abc",
		UploadedBy:   "alice",
	}, payload)
	require.NoError(t, err)
	require.NotEmpty(t, fw.ID)

	// Duplicate pair rejected, payload count unchanged.
	_, err = s.AddFirmware(ctx, Firmware{
		DeviceType: "esp32-main", Version: "1.0.0", OriginalName: "dup.bin",
	}, []byte{1})
	assert.ErrorIs(t, err, ErrDuplicate)

	data, err := s.GetFirmwareFile(ctx, fw.FileID)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	fws, err := s.GetFirmwaresByDevice(ctx, "esp32-main", Options{})
	require.NoError(t, err)
	require.Len(t, fws, 1)

	updated, err := s.UpdateFirmware(ctx, fw.ID, FirmwareUpdate{Description: "patched", UpdatedBy: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "patched", updated.Description)
	require.NotNil(t, updated.UpdatedAt)

	found, err := s.SearchFirmwares(ctx, "patched", Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, found)

	deleted, err := s.DeleteFirmware(ctx, fw.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetFirmwareFile(ctx, fw.FileID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = s.DeleteFirmware(ctx, fw.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMongoUsersAndAnalytics(t *testing.T) {
	s := newMongoTestStore(t)
	ctx := context.Background()

	created, err := s.SaveUser(ctx, User{Username: "alice", Password: "hash", Role: "bot"})
	require.NoError(t, err)
	updated, err := s.SaveUser(ctx, User{Username: "alice", Password: "hash2", Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "admin", updated.Role)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetAnalytics(ctx, "totalDownloads", int64(2)))
	all, err := s.GetAllAnalytics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, all["totalDownloads"])

	stats, err := s.GetFirmwareStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats["totalDownloads"])
}
