package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// defaultAdminHash is the bcrypt hash of "admin123", seeded into an
// otherwise empty data file so a fresh install is reachable.
const defaultAdminHash = "$2a$12$uxVJ1DzzFDanM4ARDrbIR.E2WDwK.LtsyanVIWp/xhzkoaiTSuWZ2"

// document is the single JSON metadata document. Every write is a
// full-document rewrite; there is no partial-update capability.
type document struct {
	Users     []User     `json:"users"`
	Firmwares []Firmware `json:"firmwares"`
}

// FileSystemStore keeps metadata in one JSON document and payloads as
// individual files in an upload directory. The mutex serializes
// writers inside this process; cross-process writers still race with
// last-write-wins semantics (single-server assumption).
type FileSystemStore struct {
	DataFile      string
	AnalyticsFile string
	UploadDir     string

	mu   sync.Mutex
	data *document
}

func NewFileSystemStore(dataFile, analyticsFile, uploadDir string) *FileSystemStore {
	return &FileSystemStore{
		DataFile:      dataFile,
		AnalyticsFile: analyticsFile,
		UploadDir:     uploadDir,
	}
}

func (s *FileSystemStore) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.DataFile), 0o755); err != nil {
		return fmt.Errorf("%w: create data directory: %v", ErrUnavailable, err)
	}
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return fmt.Errorf("%w: create upload directory: %v", ErrUnavailable, err)
	}

	doc, err := s.loadDocument()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.data = doc
	s.mu.Unlock()

	log.Info().
		Str("data_file", s.DataFile).
		Str("upload_dir", s.UploadDir).
		Int("firmwares", len(doc.Firmwares)).
		Int("users", len(doc.Users)).
		Msg("FileSystem storage initialized")
	return nil
}

func (s *FileSystemStore) loadDocument() (*document, error) {
	b, err := os.ReadFile(s.DataFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("data_file", s.DataFile).Msg("Data file missing, seeding default admin user")
		now := time.Now().UTC()
		return &document{
			Users: []User{{
				ID:        uuid.NewString(),
				Username:  "admin",
				Password:  defaultAdminHash,
				Role:      "admin",
				CreatedAt: now,
			}},
			Firmwares: []Firmware{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read data file: %v", ErrUnavailable, err)
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse data file %s: %w", s.DataFile, err)
	}
	return &doc, nil
}

// saveLocked rewrites the whole metadata document atomically.
// Callers must hold the mutex.
func (s *FileSystemStore) saveLocked() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data file: %w", err)
	}
	tmp := s.DataFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	if err := os.Rename(tmp, s.DataFile); err != nil {
		return fmt.Errorf("rename data file: %w", err)
	}
	return nil
}

func (s *FileSystemStore) AddFirmware(ctx context.Context, fw Firmware, payload []byte) (Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Uniqueness is checked before any payload write.
	for _, existing := range s.data.Firmwares {
		if existing.DeviceType == fw.DeviceType && existing.Version == fw.Version {
			return Firmware{}, fmt.Errorf("%w: %s %s", ErrDuplicate, fw.DeviceType, fw.Version)
		}
	}

	fileID := newFileID(fw.OriginalName)
	path := filepath.Join(s.UploadDir, fileID)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return Firmware{}, fmt.Errorf("write firmware payload: %w", err)
	}

	fw.ID = uuid.NewString()
	fw.FileID = fileID
	fw.CreatedAt = time.Now().UTC()
	fw.UpdatedAt = nil

	s.data.Firmwares = append(s.data.Firmwares, fw)
	if err := s.saveLocked(); err != nil {
		// Compensate: the metadata insert failed, so the payload must
		// not be left orphaned.
		s.data.Firmwares = s.data.Firmwares[:len(s.data.Firmwares)-1]
		if rmErr := os.Remove(path); rmErr != nil {
			log.Warn().
				Err(rmErr).
				Str("file_id", fileID).
				Msg("Could not clean up payload after failed metadata write")
		}
		return Firmware{}, err
	}

	log.Info().
		Str("id", fw.ID).
		Str("device_type", fw.DeviceType).
		Str("version", fw.Version).
		Int64("size", fw.Size).
		Msg("Firmware stored")
	return fw, nil
}

func (s *FileSystemStore) GetFirmwareFile(ctx context.Context, fileID string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.UploadDir, fileID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("read firmware payload: %w", err)
	}
	return b, nil
}

func (s *FileSystemStore) GetFirmwaresByDevice(ctx context.Context, deviceType string, opts Options) ([]Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Firmware
	for _, fw := range s.data.Firmwares {
		if fw.DeviceType == deviceType {
			out = append(out, fw)
		}
	}
	sortVersionDesc(out)
	return applyOptions(out, opts), nil
}

func (s *FileSystemStore) GetAllFirmwares(ctx context.Context, opts Options) ([]Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Firmware, len(s.data.Firmwares))
	copy(out, s.data.Firmwares)
	sortCreatedDesc(out)
	return applyOptions(out, opts), nil
}

func (s *FileSystemStore) SearchFirmwares(ctx context.Context, query string, opts Options) ([]Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Firmware
	for _, fw := range s.data.Firmwares {
		if matchesSearch(fw, query) {
			out = append(out, fw)
		}
	}
	sortCreatedDesc(out)
	return applyOptions(out, opts), nil
}

func (s *FileSystemStore) GetDeviceTypes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	var types []string
	for _, fw := range s.data.Firmwares {
		if !seen[fw.DeviceType] {
			seen[fw.DeviceType] = true
			types = append(types, fw.DeviceType)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (s *FileSystemStore) GetFirmwareByID(ctx context.Context, id string) (Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fw := range s.data.Firmwares {
		if fw.ID == id {
			return fw, nil
		}
	}
	return Firmware{}, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
}

func (s *FileSystemStore) UpdateFirmware(ctx context.Context, id string, upd FirmwareUpdate) (Firmware, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, fw := range s.data.Firmwares {
		if fw.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Firmware{}, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}

	current := s.data.Firmwares[idx]
	if upd.Version != "" && upd.Version != current.Version {
		for _, other := range s.data.Firmwares {
			if other.ID != id && other.DeviceType == current.DeviceType && other.Version == upd.Version {
				return Firmware{}, fmt.Errorf("%w: %s %s", ErrDuplicate, current.DeviceType, upd.Version)
			}
		}
		current.Version = upd.Version
	}
	if upd.Description != "" {
		current.Description = upd.Description
	}
	current.UpdatedBy = upd.UpdatedBy
	now := time.Now().UTC()
	current.UpdatedAt = &now

	s.data.Firmwares[idx] = current
	if err := s.saveLocked(); err != nil {
		return Firmware{}, err
	}
	return current, nil
}

func (s *FileSystemStore) DeleteFirmware(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, fw := range s.data.Firmwares {
		if fw.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	fileID := s.data.Firmwares[idx].FileID
	if err := os.Remove(filepath.Join(s.UploadDir, fileID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("file_id", fileID).Msg("Could not remove firmware payload")
	}

	s.data.Firmwares = append(s.data.Firmwares[:idx], s.data.Firmwares[idx+1:]...)
	if err := s.saveLocked(); err != nil {
		return false, err
	}

	log.Info().Str("id", id).Str("file_id", fileID).Msg("Firmware deleted")
	return true, nil
}

func (s *FileSystemStore) GetUser(ctx context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.data.Users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
}

func (s *FileSystemStore) GetAllUsers(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, len(s.data.Users))
	copy(out, s.data.Users)
	return out, nil
}

func (s *FileSystemStore) SaveUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	idx := -1
	for i, existing := range s.data.Users {
		if existing.Username == u.Username {
			idx = i
			break
		}
	}

	if idx >= 0 {
		// Upsert preserves identity and creation time.
		u.ID = s.data.Users[idx].ID
		u.CreatedAt = s.data.Users[idx].CreatedAt
		u.UpdatedAt = &now
		s.data.Users[idx] = u
	} else {
		u.ID = uuid.NewString()
		u.CreatedAt = now
		u.UpdatedAt = nil
		s.data.Users = append(s.data.Users, u)
	}

	if err := s.saveLocked(); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *FileSystemStore) DeleteUser(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, u := range s.data.Users {
		if u.Username == username {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	s.data.Users = append(s.data.Users[:idx], s.data.Users[idx+1:]...)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileSystemStore) GetFirmwareStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	var total int
	var totalSize int64
	seen := map[string]bool{}
	var types []string
	for _, fw := range s.data.Firmwares {
		total++
		totalSize += fw.Size
		if !seen[fw.DeviceType] {
			seen[fw.DeviceType] = true
			types = append(types, fw.DeviceType)
		}
	}
	s.mu.Unlock()

	analytics, err := s.GetAllAnalytics(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Analytics unavailable for stats")
		analytics = nil
	}
	return buildStats(total, types, totalSize, analytics), nil
}

func (s *FileSystemStore) GetAnalytics(ctx context.Context, key string) (any, error) {
	all, err := s.GetAllAnalytics(ctx)
	if err != nil {
		return nil, err
	}
	return all[key], nil
}

func (s *FileSystemStore) SetAnalytics(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAnalytics()
	if err != nil {
		return err
	}
	all[key] = value

	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal analytics: %w", err)
	}
	if err := os.WriteFile(s.AnalyticsFile, b, 0o644); err != nil {
		return fmt.Errorf("write analytics file: %w", err)
	}
	return nil
}

func (s *FileSystemStore) GetAllAnalytics(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAnalytics()
}

func (s *FileSystemStore) readAnalytics() (map[string]any, error) {
	b, err := os.ReadFile(s.AnalyticsFile)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read analytics file: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("parse analytics file: %w", err)
	}
	return all, nil
}

func (s *FileSystemStore) Close(ctx context.Context) error {
	log.Debug().Msg("FileSystem storage closed")
	return nil
}
