// Package storage persists firmware metadata, binary payloads, user
// records and analytics counters behind a single contract with
// interchangeable backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by every backend. Handlers map them onto
// HTTP statuses; anything else is an internal error.
var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("firmware version already exists for device type")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("storage unavailable")
)

// Options shapes list and search results. Limit truncates after
// filtering and sorting; OnlyStable drops pre-release and invalid
// versions; Minimal requests the {id, version, sha1} projection
// (applied at response time via MinimalOf).
type Options struct {
	Limit      int
	OnlyStable bool
	Minimal    bool
}

// Store is the contract every backend variant implements with
// identical externally observable semantics.
type Store interface {
	// Initialize performs idempotent setup: directories, collections,
	// tables, indexes. It fails when the backing medium is unreachable.
	Initialize(ctx context.Context) error

	// AddFirmware persists the payload under a newly generated locator,
	// then inserts metadata referencing it. A (deviceType, version)
	// duplicate is rejected before any payload write. If the metadata
	// insert fails after the payload write, the payload is cleaned up
	// best-effort.
	AddFirmware(ctx context.Context, fw Firmware, payload []byte) (Firmware, error)

	// GetFirmwareFile returns the payload bytes for a locator, or
	// ErrNotFound.
	GetFirmwareFile(ctx context.Context, fileID string) ([]byte, error)

	GetFirmwaresByDevice(ctx context.Context, deviceType string, opts Options) ([]Firmware, error)
	GetAllFirmwares(ctx context.Context, opts Options) ([]Firmware, error)
	SearchFirmwares(ctx context.Context, query string, opts Options) ([]Firmware, error)

	// GetDeviceTypes returns the sorted distinct device type list.
	GetDeviceTypes(ctx context.Context) ([]string, error)

	GetFirmwareByID(ctx context.Context, id string) (Firmware, error)
	UpdateFirmware(ctx context.Context, id string, upd FirmwareUpdate) (Firmware, error)

	// DeleteFirmware removes metadata and payload. It reports false,
	// not an error, when the id is unknown.
	DeleteFirmware(ctx context.Context, id string) (bool, error)

	GetUser(ctx context.Context, username string) (User, error)
	GetAllUsers(ctx context.Context) ([]User, error)

	// SaveUser upserts keyed by username, preserving the existing ID
	// and CreatedAt on update.
	SaveUser(ctx context.Context, u User) (User, error)
	DeleteUser(ctx context.Context, username string) (bool, error)

	GetFirmwareStats(ctx context.Context) (Stats, error)
	GetAnalytics(ctx context.Context, key string) (any, error)
	SetAnalytics(ctx context.Context, key string, value any) error
	GetAllAnalytics(ctx context.Context) (map[string]any, error)

	// Close releases held connections. Idempotent.
	Close(ctx context.Context) error
}

// newFileID generates a fresh payload locator keeping the original
// extension so downloads stay recognizable on disk and in GridFS.
func newFileID(originalName string) string {
	ext := filepath.Ext(originalName)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.NewString(), ext)
}
