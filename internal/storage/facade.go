package storage

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and parameterizes the active backend. Exactly one
// backend is active per process; the Manager owning it is constructed
// once in main and injected into every consumer.
type Config struct {
	Type string // filesystem | mongodb | postgres (plus common aliases)

	// Filesystem backend
	DataFile      string
	AnalyticsFile string
	UploadDir     string

	// MongoDB backend
	MongoURI       string
	MongoDatabase  string
	MongoBucket    string
	MongoChunkSize int32

	// PostgreSQL backend
	PostgresURI            string
	PostgresMaxConns       int
	PostgresConnTimeoutSec int
}

const (
	TypeFileSystem = "filesystem"
	TypeMongoDB    = "mongodb"
	TypePostgres   = "postgres"
)

// NormalizeType resolves the configured storage type aliases to a
// canonical name, or errors on an unrecognized value.
func NormalizeType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "filesystem", "file", "json":
		return TypeFileSystem, nil
	case "mongodb", "mongo", "gridfs":
		return TypeMongoDB, nil
	case "postgres", "postgresql", "pg":
		return TypePostgres, nil
	default:
		return "", fmt.Errorf("%w: unsupported storage type %q", ErrValidation, t)
	}
}

// Validate fails fast on configuration problems, before any
// connection attempt.
func (c Config) Validate() error {
	t, err := NormalizeType(c.Type)
	if err != nil {
		return err
	}
	switch t {
	case TypeMongoDB:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: mongodb storage requires a connection URI", ErrValidation)
		}
	case TypePostgres:
		if c.PostgresURI == "" {
			return fmt.Errorf("%w: postgres storage requires a connection URI", ErrValidation)
		}
	}
	return nil
}

// Manager is the single entry point in front of the active backend.
// It forwards every call 1:1; initialization is an explicit phase
// completed before the server starts accepting requests.
type Manager struct {
	store       Store
	storageType string
	initialized bool
}

// NewManager validates the configuration and constructs the backend
// without connecting to it.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, _ := NormalizeType(cfg.Type)

	var store Store
	switch t {
	case TypeFileSystem:
		store = NewFileSystemStore(cfg.DataFile, cfg.AnalyticsFile, cfg.UploadDir)
	case TypeMongoDB:
		store = NewMongoStore(cfg.MongoURI, cfg.MongoDatabase, cfg.MongoBucket, cfg.MongoChunkSize)
	case TypePostgres:
		store = NewPostgresStore(cfg.PostgresURI, cfg.PostgresMaxConns, cfg.PostgresConnTimeoutSec)
	}

	return &Manager{store: store, storageType: t}, nil
}

// Initialize sets up the backend. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized {
		return nil
	}
	if err := m.store.Initialize(ctx); err != nil {
		return err
	}
	m.initialized = true
	return nil
}

// StorageType reports the canonical name of the active backend.
func (m *Manager) StorageType() string {
	return m.storageType
}

func (m *Manager) AddFirmware(ctx context.Context, fw Firmware, payload []byte) (Firmware, error) {
	return m.store.AddFirmware(ctx, fw, payload)
}

func (m *Manager) GetFirmwareFile(ctx context.Context, fileID string) ([]byte, error) {
	return m.store.GetFirmwareFile(ctx, fileID)
}

func (m *Manager) GetFirmwaresByDevice(ctx context.Context, deviceType string, opts Options) ([]Firmware, error) {
	return m.store.GetFirmwaresByDevice(ctx, deviceType, opts)
}

func (m *Manager) GetAllFirmwares(ctx context.Context, opts Options) ([]Firmware, error) {
	return m.store.GetAllFirmwares(ctx, opts)
}

func (m *Manager) SearchFirmwares(ctx context.Context, query string, opts Options) ([]Firmware, error) {
	return m.store.SearchFirmwares(ctx, query, opts)
}

func (m *Manager) GetDeviceTypes(ctx context.Context) ([]string, error) {
	return m.store.GetDeviceTypes(ctx)
}

func (m *Manager) GetFirmwareByID(ctx context.Context, id string) (Firmware, error) {
	return m.store.GetFirmwareByID(ctx, id)
}

func (m *Manager) UpdateFirmware(ctx context.Context, id string, upd FirmwareUpdate) (Firmware, error) {
	return m.store.UpdateFirmware(ctx, id, upd)
}

func (m *Manager) DeleteFirmware(ctx context.Context, id string) (bool, error) {
	return m.store.DeleteFirmware(ctx, id)
}

func (m *Manager) GetUser(ctx context.Context, username string) (User, error) {
	return m.store.GetUser(ctx, username)
}

func (m *Manager) GetAllUsers(ctx context.Context) ([]User, error) {
	return m.store.GetAllUsers(ctx)
}

func (m *Manager) SaveUser(ctx context.Context, u User) (User, error) {
	return m.store.SaveUser(ctx, u)
}

func (m *Manager) DeleteUser(ctx context.Context, username string) (bool, error) {
	return m.store.DeleteUser(ctx, username)
}

func (m *Manager) GetFirmwareStats(ctx context.Context) (Stats, error) {
	return m.store.GetFirmwareStats(ctx)
}

func (m *Manager) GetAnalytics(ctx context.Context, key string) (any, error) {
	return m.store.GetAnalytics(ctx, key)
}

func (m *Manager) SetAnalytics(ctx context.Context, key string, value any) error {
	return m.store.SetAnalytics(ctx, key, value)
}

func (m *Manager) GetAllAnalytics(ctx context.Context) (map[string]any, error) {
	return m.store.GetAllAnalytics(ctx)
}

// HealthCheck never returns an error: backend failures downgrade the
// report to unhealthy with the message attached.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:      "healthy",
		StorageType: m.storageType,
		Initialized: m.initialized,
	}
	if !m.initialized {
		h.Status = "unhealthy"
		h.Error = "storage not initialized"
		return h
	}

	fws, err := m.store.GetAllFirmwares(ctx, Options{})
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}
	h.TotalFirmwares = len(fws)
	return h
}

// Close releases the backend. Idempotent.
func (m *Manager) Close(ctx context.Context) error {
	if !m.initialized {
		return nil
	}
	m.initialized = false
	return m.store.Close(ctx)
}
