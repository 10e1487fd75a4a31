package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings.
// Load order: defaults -> YAML (optional) -> env overrides.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	PublicBaseURL string `yaml:"public_base_url"`

	MaxUploadMB       int64    `yaml:"max_upload_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	CORSOrigin        string   `yaml:"cors_origin"`

	Storage struct {
		Type string `yaml:"type"` // filesystem, mongodb, postgres

		FileSystem struct {
			DataFile      string `yaml:"data_file"`
			AnalyticsFile string `yaml:"analytics_file"`
			UploadDir     string `yaml:"upload_dir"`
		} `yaml:"filesystem"`

		MongoDB struct {
			URI            string `yaml:"uri"`
			Database       string `yaml:"database"`
			Bucket         string `yaml:"bucket"`
			ChunkSizeBytes int32  `yaml:"chunk_size_bytes"`
		} `yaml:"mongodb"`

		Postgres struct {
			URI            string `yaml:"uri"`
			MaxConns       int    `yaml:"max_conns"`
			ConnTimeoutSec int    `yaml:"conn_timeout_sec"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		TokenTTLHours int    `yaml:"token_ttl_hours"`
		BcryptCost    int    `yaml:"bcrypt_cost"`
	} `yaml:"auth"`

	// Logging configuration
	Logging struct {
		Level      string `yaml:"level"`       // trace, debug, info, warn, error, fatal, panic
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file, syslog, multi
		FilePath   string `yaml:"file_path"`   // path to log file (if output=file or multi)
		MaxSizeMB  int    `yaml:"max_size_mb"` // max size before rotation
		MaxBackups int    `yaml:"max_backups"` // max number of old log files
		MaxAgeDays int    `yaml:"max_age_days"` // max age in days
		Compress   bool   `yaml:"compress"`    // compress rotated files
		SyslogAddr string `yaml:"syslog_addr"` // syslog server address (if output=syslog or multi)
		SyslogNet  string `yaml:"syslog_net"`  // tcp, udp, or empty for local
	} `yaml:"logging"`

	// OIDC/Keycloak extension point. Off by default; the built-in
	// JWT login flow is used when disabled.
	OIDC struct {
		Enabled      bool   `yaml:"enabled"`
		IssuerURL    string `yaml:"issuer_url"`
		ClientID     string `yaml:"client_id"`
		Audience     string `yaml:"audience"`
		RolesClaim   string `yaml:"roles_claim"`
		JWKSCacheSec int    `yaml:"jwks_cache_sec"`
	} `yaml:"oidc"`

	Webhooks struct {
		Secret     string   `yaml:"secret"`
		TimeoutSec int      `yaml:"timeout_sec"`
		Retries    int      `yaml:"retries"`
		Targets    []string `yaml:"targets"`
	} `yaml:"webhooks"`
}

// Load reads YAML if path is non-empty, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate rejects settings that would otherwise fail at first use.
func (c Config) Validate() error {
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if c.Auth.JWTSecret == "" && !c.OIDC.Enabled {
		return fmt.Errorf("auth.jwt_secret is required when OIDC is disabled")
	}
	if c.Auth.TokenTTLHours <= 0 {
		return fmt.Errorf("auth.token_ttl_hours must be positive, got %d", c.Auth.TokenTTLHours)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "file", "syslog", "multi":
	default:
		return fmt.Errorf("unknown logging output %q", c.Logging.Output)
	}
	return nil
}

func defaults() Config {
	var c Config
	c.ListenAddr = ":8080"
	c.PublicBaseURL = ""
	c.MaxUploadMB = 50
	c.AllowedExtensions = []string{".bin", ".hex", ".img", ".fw", ".dfu", ".uf2"}
	c.CORSOrigin = "*"

	c.Storage.Type = "filesystem"
	c.Storage.FileSystem.DataFile = "/data/firmware-depot/registry.json"
	c.Storage.FileSystem.AnalyticsFile = "/data/firmware-depot/analytics.json"
	c.Storage.FileSystem.UploadDir = "/data/firmware-depot/uploads"
	c.Storage.MongoDB.Database = "firmware-depot"
	c.Storage.MongoDB.Bucket = "firmwares"
	c.Storage.MongoDB.ChunkSizeBytes = 255 * 1024
	c.Storage.Postgres.MaxConns = 10
	c.Storage.Postgres.ConnTimeoutSec = 10

	c.Auth.TokenTTLHours = 24
	c.Auth.BcryptCost = 10

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"
	c.Logging.FilePath = "/var/log/firmware-depot/app.log"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxBackups = 3
	c.Logging.MaxAgeDays = 28
	c.Logging.Compress = true
	c.Logging.SyslogAddr = ""
	c.Logging.SyslogNet = "udp"

	c.Webhooks.TimeoutSec = 5
	c.Webhooks.Retries = 3

	c.OIDC.Enabled = false
	c.OIDC.RolesClaim = "roles"
	c.OIDC.JWKSCacheSec = 300
	return c
}

func applyEnv(cfg *Config) {
	setStr(&cfg.ListenAddr, "FW_LISTEN_ADDR")
	setStr(&cfg.PublicBaseURL, "FW_PUBLIC_BASE_URL")
	setStr(&cfg.CORSOrigin, "FW_CORS_ORIGIN")

	if v := os.Getenv("FW_MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxUploadMB = n
		}
	}
	if v := os.Getenv("FW_ALLOWED_EXTENSIONS"); v != "" {
		var exts []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exts = append(exts, e)
			}
		}
		if len(exts) > 0 {
			cfg.AllowedExtensions = exts
		}
	}

	setStr(&cfg.Storage.Type, "FW_STORAGE_TYPE")
	setStr(&cfg.Storage.FileSystem.DataFile, "FW_FS_DATA_FILE")
	setStr(&cfg.Storage.FileSystem.AnalyticsFile, "FW_FS_ANALYTICS_FILE")
	setStr(&cfg.Storage.FileSystem.UploadDir, "FW_FS_UPLOAD_DIR")
	setStr(&cfg.Storage.MongoDB.URI, "FW_MONGO_URI")
	setStr(&cfg.Storage.MongoDB.Database, "FW_MONGO_DATABASE")
	setStr(&cfg.Storage.MongoDB.Bucket, "FW_MONGO_BUCKET")
	setStr(&cfg.Storage.Postgres.URI, "FW_POSTGRES_URI")
	if v := os.Getenv("FW_POSTGRES_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.Postgres.MaxConns = n
		}
	}

	setStr(&cfg.Auth.JWTSecret, "FW_JWT_SECRET")
	if v := os.Getenv("FW_TOKEN_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Auth.TokenTTLHours = n
		}
	}
	if v := os.Getenv("FW_BCRYPT_COST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Auth.BcryptCost = n
		}
	}

	setStr(&cfg.Webhooks.Secret, "FW_WEBHOOK_SECRET")
	if v := os.Getenv("FW_WEBHOOK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Webhooks.TimeoutSec = n
		}
	}
	if v := os.Getenv("FW_WEBHOOK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Webhooks.Retries = n
		}
	}
	if v := os.Getenv("FW_WEBHOOK_TARGETS"); v != "" {
		var targets []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		cfg.Webhooks.Targets = targets
	}

	if v := os.Getenv("FW_OIDC_ENABLED"); v != "" {
		cfg.OIDC.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
	setStr(&cfg.OIDC.IssuerURL, "FW_OIDC_ISSUER_URL")
	setStr(&cfg.OIDC.ClientID, "FW_OIDC_CLIENT_ID")
	setStr(&cfg.OIDC.Audience, "FW_OIDC_AUDIENCE")
	setStr(&cfg.OIDC.RolesClaim, "FW_OIDC_ROLES_CLAIM")

	// Logging configuration
	setStr(&cfg.Logging.Level, "FW_LOG_LEVEL")
	setStr(&cfg.Logging.Format, "FW_LOG_FORMAT")
	setStr(&cfg.Logging.Output, "FW_LOG_OUTPUT")
	setStr(&cfg.Logging.FilePath, "FW_LOG_FILE_PATH")
	setStr(&cfg.Logging.SyslogAddr, "FW_LOG_SYSLOG_ADDR")
	setStr(&cfg.Logging.SyslogNet, "FW_LOG_SYSLOG_NET")

	if v := os.Getenv("FW_LOG_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Logging.MaxSizeMB = n
		}
	}
	if v := os.Getenv("FW_LOG_MAX_BACKUPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Logging.MaxBackups = n
		}
	}
	if v := os.Getenv("FW_LOG_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Logging.MaxAgeDays = n
		}
	}
	if v := os.Getenv("FW_LOG_COMPRESS"); v != "" {
		cfg.Logging.Compress = v == "1" || strings.ToLower(v) == "true"
	}
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
