// Package config loads server settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port       int    `env:"PORT,default=8080"`
	InstanceID string `env:"SCRAWL_INSTANCE_ID"`
	LogLevel   string `env:"SCRAWL_LOG_LEVEL,default=info"`

	DBPath  string `env:"SCRAWL_DB_PATH,default=./data/scrawl.db"`
	BlobDir string `env:"SCRAWL_BLOB_DIR,default=./data/blobs"`

	// Prefix for links handed out to clients, e.g. uploaded image URLs
	PublicURL string `env:"SCRAWL_PUBLIC_URL,default=http://localhost:8080"`

	// 32-byte ed25519 seed, base64
	TokenKey envconfig.Base64Bytes `env:"SCRAWL_TOKEN_KEY"`

	AllowedOrigins []string `env:"SCRAWL_ALLOWED_ORIGINS"`

	// Enables cluster mode when set
	RedisURL string `env:"SCRAWL_REDIS_URL"`

	DraftRetention time.Duration `env:"SCRAWL_DRAFT_RETENTION,default=168h"`
	PruneInterval  time.Duration `env:"SCRAWL_PRUNE_INTERVAL,default=1h"`

	MaxUploadBytes int64 `env:"SCRAWL_MAX_UPLOAD_BYTES,default=10485760"`

	// Enables automatic TLS when set
	TLSDomain        string `env:"SCRAWL_TLS_DOMAIN"`
	PorkbunAPIKey    string `env:"PORKBUN_API_KEY"`
	PorkbunAPISecret string `env:"PORKBUN_API_SECRET"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, lookuper); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if len(c.TokenKey) != 0 && len(c.TokenKey) != 32 {
		errs = append(errs, fmt.Errorf("SCRAWL_TOKEN_KEY must decode to 32 bytes, got %d", len(c.TokenKey)))
	}
	if c.DraftRetention < 0 {
		errs = append(errs, errors.New("SCRAWL_DRAFT_RETENTION must not be negative"))
	}
	if c.DraftRetention > 0 && c.PruneInterval <= 0 {
		errs = append(errs, errors.New("SCRAWL_PRUNE_INTERVAL must be positive when pruning is enabled"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("SCRAWL_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.TLSDomain != "" {
		if c.RedisURL == "" {
			errs = append(errs, errors.New("SCRAWL_TLS_DOMAIN requires SCRAWL_REDIS_URL for certificate storage"))
		}
		if c.PorkbunAPIKey == "" || c.PorkbunAPISecret == "" {
			errs = append(errs, errors.New("SCRAWL_TLS_DOMAIN requires PORKBUN_API_KEY and PORKBUN_API_SECRET"))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Clustered reports whether live state is shared through redis
func (c *Config) Clustered() bool { return c.RedisURL != "" }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown SCRAWL_LOG_LEVEL %q", s)
}
