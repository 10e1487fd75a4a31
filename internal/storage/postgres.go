package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps metadata in relational tables and payloads in a
// BYTEA side table keyed by locator. Payload and metadata writes for
// add and delete share one database transaction, so no compensation
// pass is needed on this backend.
type PostgresStore struct {
	URI            string
	MaxConns       int
	ConnTimeoutSec int

	db *sql.DB
}

func NewPostgresStore(uri string, maxConns, connTimeoutSec int) *PostgresStore {
	return &PostgresStore{URI: uri, MaxConns: maxConns, ConnTimeoutSec: connTimeoutSec}
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	db, err := sql.Open("postgres", s.URI)
	if err != nil {
		return fmt.Errorf("%w: open postgres: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(s.MaxConns)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(s.ConnTimeoutSec)*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: ping postgres: %v", ErrUnavailable, err)
	}
	s.db = db

	if err := s.runMigrations(); err != nil {
		return err
	}
	s.seedAdmin(ctx)
	log.Info().Msg("PostgreSQL storage initialized")
	return nil
}

// seedAdmin makes a fresh database reachable.
func (s *PostgresStore) seedAdmin(ctx context.Context) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil || n > 0 {
		return
	}
	log.Warn().Msg("No users found, seeding default admin user")
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, username, password, role, created_at)
VALUES ($1, 'admin', $2, 'admin', $3)
ON CONFLICT (username) DO NOTHING`,
		uuid.NewString(), defaultAdminHash, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("Could not seed default admin user")
	}
}

func (s *PostgresStore) runMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const firmwareColumns = `id, device_type, version, description, original_name, size,
	sha1, uploaded_by, mimetype, file_id, created_at, updated_at, updated_by`

func scanFirmware(row interface{ Scan(...any) error }) (Firmware, error) {
	var fw Firmware
	var updatedAt sql.NullTime
	err := row.Scan(&fw.ID, &fw.DeviceType, &fw.Version, &fw.Description,
		&fw.OriginalName, &fw.Size, &fw.SHA1, &fw.UploadedBy, &fw.Mimetype,
		&fw.FileID, &fw.CreatedAt, &updatedAt, &fw.UpdatedBy)
	if err != nil {
		return Firmware{}, err
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		fw.UpdatedAt = &t
	}
	return fw, nil
}

func (s *PostgresStore) AddFirmware(ctx context.Context, fw Firmware, payload []byte) (Firmware, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Firmware{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Uniqueness is checked before any payload write.
	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM firmwares WHERE device_type = $1 AND version = $2`,
		fw.DeviceType, fw.Version).Scan(&n)
	if err != nil {
		return Firmware{}, fmt.Errorf("check existing firmware: %w", err)
	}
	if n > 0 {
		return Firmware{}, fmt.Errorf("%w: %s %s", ErrDuplicate, fw.DeviceType, fw.Version)
	}

	fw.ID = uuid.NewString()
	fw.FileID = newFileID(fw.OriginalName)
	fw.CreatedAt = time.Now().UTC()
	fw.UpdatedAt = nil

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO firmware_files (file_id, payload) VALUES ($1, $2)`,
		fw.FileID, payload); err != nil {
		return Firmware{}, fmt.Errorf("insert firmware payload: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO firmwares (id, device_type, version, description, original_name,
	size, sha1, uploaded_by, mimetype, file_id, created_at, updated_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '')`,
		fw.ID, fw.DeviceType, fw.Version, fw.Description, fw.OriginalName,
		fw.Size, fw.SHA1, fw.UploadedBy, fw.Mimetype, fw.FileID, fw.CreatedAt); err != nil {
		return Firmware{}, fmt.Errorf("insert firmware metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Firmware{}, fmt.Errorf("commit firmware: %w", err)
	}

	log.Info().
		Str("id", fw.ID).
		Str("device_type", fw.DeviceType).
		Str("version", fw.Version).
		Msg("Firmware stored")
	return fw, nil
}

func (s *PostgresStore) GetFirmwareFile(ctx context.Context, fileID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM firmware_files WHERE file_id = $1`, fileID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("read firmware payload: %w", err)
	}
	return payload, nil
}

func (s *PostgresStore) queryFirmwares(ctx context.Context, where string, args ...any) ([]Firmware, error) {
	q := `SELECT ` + firmwareColumns + ` FROM firmwares ` + where + ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query firmwares: %w", err)
	}
	defer rows.Close()

	var out []Firmware
	for rows.Next() {
		fw, err := scanFirmware(rows)
		if err != nil {
			return nil, fmt.Errorf("scan firmware: %w", err)
		}
		out = append(out, fw)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetFirmwaresByDevice(ctx context.Context, deviceType string, opts Options) ([]Firmware, error) {
	fws, err := s.queryFirmwares(ctx, `WHERE device_type = $1`, deviceType)
	if err != nil {
		return nil, err
	}
	sortVersionDesc(fws)
	return applyOptions(fws, opts), nil
}

func (s *PostgresStore) GetAllFirmwares(ctx context.Context, opts Options) ([]Firmware, error) {
	fws, err := s.queryFirmwares(ctx, ``)
	if err != nil {
		return nil, err
	}
	return applyOptions(fws, opts), nil
}

func (s *PostgresStore) SearchFirmwares(ctx context.Context, query string, opts Options) ([]Firmware, error) {
	if query == "" {
		return s.GetAllFirmwares(ctx, opts)
	}
	fws, err := s.queryFirmwares(ctx, `
WHERE device_type ILIKE '%' || $1 || '%'
   OR version ILIKE '%' || $1 || '%'
   OR description ILIKE '%' || $1 || '%'
   OR original_name ILIKE '%' || $1 || '%'`, query)
	if err != nil {
		return nil, err
	}
	return applyOptions(fws, opts), nil
}

func (s *PostgresStore) GetDeviceTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT device_type FROM firmwares ORDER BY device_type`)
	if err != nil {
		return nil, fmt.Errorf("query device types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan device type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *PostgresStore) GetFirmwareByID(ctx context.Context, id string) (Firmware, error) {
	fw, err := scanFirmware(s.db.QueryRowContext(ctx,
		`SELECT `+firmwareColumns+` FROM firmwares WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Firmware{}, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}
	if err != nil {
		return Firmware{}, fmt.Errorf("query firmware: %w", err)
	}
	return fw, nil
}

func (s *PostgresStore) UpdateFirmware(ctx context.Context, id string, upd FirmwareUpdate) (Firmware, error) {
	current, err := s.GetFirmwareByID(ctx, id)
	if err != nil {
		return Firmware{}, err
	}

	version := current.Version
	if upd.Version != "" && upd.Version != current.Version {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM firmwares WHERE device_type = $1 AND version = $2 AND id <> $3`,
			current.DeviceType, upd.Version, id).Scan(&n)
		if err != nil {
			return Firmware{}, fmt.Errorf("check existing firmware: %w", err)
		}
		if n > 0 {
			return Firmware{}, fmt.Errorf("%w: %s %s", ErrDuplicate, current.DeviceType, upd.Version)
		}
		version = upd.Version
	}
	description := current.Description
	if upd.Description != "" {
		description = upd.Description
	}

	fw, err := scanFirmware(s.db.QueryRowContext(ctx, `
UPDATE firmwares
SET version = $2, description = $3, updated_by = $4, updated_at = $5
WHERE id = $1
RETURNING `+firmwareColumns,
		id, version, description, upd.UpdatedBy, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return Firmware{}, fmt.Errorf("%w: firmware %s", ErrNotFound, id)
	}
	if err != nil {
		return Firmware{}, fmt.Errorf("update firmware: %w", err)
	}
	return fw, nil
}

func (s *PostgresStore) DeleteFirmware(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fileID string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM firmwares WHERE id = $1 RETURNING file_id`, id).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete firmware metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM firmware_files WHERE file_id = $1`, fileID); err != nil {
		return false, fmt.Errorf("delete firmware payload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	log.Info().Str("id", id).Str("file_id", fileID).Msg("Firmware deleted")
	return true, nil
}

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var updatedAt, lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.CreatedAt, &updatedAt, &lastLogin)
	if err != nil {
		return User{}, err
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		u.UpdatedAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password, role, created_at, updated_at, last_login
		 FROM users WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetAllUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password, role, created_at, updated_at, last_login
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveUser(ctx context.Context, u User) (User, error) {
	now := time.Now().UTC()
	saved, err := scanUser(s.db.QueryRowContext(ctx, `
INSERT INTO users (id, username, password, role, created_at, last_login)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (username) DO UPDATE SET
	password = excluded.password,
	role = excluded.role,
	last_login = COALESCE(excluded.last_login, users.last_login),
	updated_at = $7
RETURNING id, username, password, role, created_at, updated_at, last_login`,
		uuid.NewString(), u.Username, u.Password, u.Role, now, u.LastLogin, now))
	if err != nil {
		return User{}, fmt.Errorf("save user: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) GetFirmwareStats(ctx context.Context) (Stats, error) {
	var total int
	var totalSize int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM firmwares`).Scan(&total, &totalSize)
	if err != nil {
		return nil, fmt.Errorf("query firmware stats: %w", err)
	}

	types, err := s.GetDeviceTypes(ctx)
	if err != nil {
		return nil, err
	}

	analytics, err := s.GetAllAnalytics(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Analytics unavailable for stats")
		analytics = nil
	}
	return buildStats(total, types, totalSize, analytics), nil
}

func (s *PostgresStore) GetAnalytics(ctx context.Context, key string) (any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM analytics WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode analytics value: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) SetAnalytics(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode analytics value: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO analytics (key, value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set analytics: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAllAnalytics(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM analytics`)
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan analytics: %w", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode analytics value: %w", err)
		}
		out[key] = v
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	log.Debug().Msg("PostgreSQL connection closed")
	return nil
}
