// Package config loads boardsync settings from a YAML file overlaid with
// BOARDSYNC_* environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix       = "BOARDSYNC_"
	DefaultFileName = "boardsync.yaml"

	ContentWriteDebounced = "debounced"
	ContentWriteImmediate = "immediate"
)

type Config struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	StorageDSN string `yaml:"storage_dsn"`
	SessionDSN string `yaml:"session_dsn"`

	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Changes   ChangesConfig   `yaml:"changes"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console text"`
}

type SchedulerConfig struct {
	HighDelay   time.Duration `yaml:"high_delay" validate:"gt=0"`
	MediumDelay time.Duration `yaml:"medium_delay" validate:"gt=0"`
	LowDelay    time.Duration `yaml:"low_delay" validate:"gt=0"`
}

type WorkspaceConfig struct {
	ContentWriteMode string `yaml:"content_write_mode" validate:"oneof=debounced immediate"`
	DefaultName      string `yaml:"default_name" validate:"required,max=120"`
}

type ChangesConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=1"`
}

type SyncConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Endpoint            string        `yaml:"endpoint" validate:"omitempty,url"`
	Token               string        `yaml:"token"`
	Interval            time.Duration `yaml:"interval" validate:"gte=1s"`
	Jitter              float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	Timeout             time.Duration `yaml:"timeout" validate:"gt=0"`
	Strategy            string        `yaml:"strategy" validate:"oneof=local_wins remote_wins merge prompt_user"`
	DivergenceThreshold time.Duration `yaml:"divergence_threshold" validate:"gt=0"`
	Passphrase          string        `yaml:"passphrase"`
	Compress            bool          `yaml:"compress"`
	AppVersion          string        `yaml:"app_version"`
	Notifications       bool          `yaml:"notifications"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" validate:"required"`
	DSN         string   `yaml:"dsn" validate:"required"`
	JWTSecret   string   `yaml:"jwt_secret"`
	RateLimit   float64  `yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int      `yaml:"rate_burst" validate:"gte=0"`
	CORSOrigins []string `yaml:"cors_origins"`
	MaxBodySize int64    `yaml:"max_body_size" validate:"gt=0"`
}

func Default() *Config {
	dataDir := ".boardsync"
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dataDir = filepath.Join(home, ".boardsync")
	}
	return &Config{
		DataDir: dataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Scheduler: SchedulerConfig{
			HighDelay:   250 * time.Millisecond,
			MediumDelay: time.Second,
			LowDelay:    3 * time.Second,
		},
		Workspace: WorkspaceConfig{
			ContentWriteMode: ContentWriteDebounced,
			DefaultName:      "My Board",
		},
		Changes: ChangesConfig{Capacity: 1000},
		Sync: SyncConfig{
			Interval:            30 * time.Second,
			Jitter:              0.2,
			Timeout:             10 * time.Second,
			Strategy:            "merge",
			DivergenceThreshold: 5 * time.Minute,
			AppVersion:          "dev",
			Notifications:       true,
		},
		Server: ServerConfig{
			Addr:        ":8090",
			DSN:         "memory://",
			RateLimit:   20,
			RateBurst:   40,
			MaxBodySize: 8 << 20,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies the process
// environment and validates. A missing file at the default location is not an
// error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			if !(errors.Is(err, os.ErrNotExist) && filepath.Base(path) == DefaultFileName) {
				return nil, err
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays BOARDSYNC_* variables resolved through lookup. Unparseable
// numeric values are ignored and the current value kept.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			*dst = durationValue(v, *dst)
		}
	}
	flt := func(name string, dst *float64) {
		if v, ok := env(name); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = parsed
			}
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := env(name); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("STORAGE_DSN", &c.StorageDSN)
	str("SESSION_DSN", &c.SessionDSN)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	dur("SCHEDULER_HIGH_DELAY", &c.Scheduler.HighDelay)
	dur("SCHEDULER_MEDIUM_DELAY", &c.Scheduler.MediumDelay)
	dur("SCHEDULER_LOW_DELAY", &c.Scheduler.LowDelay)
	str("CONTENT_WRITE_MODE", &c.Workspace.ContentWriteMode)
	integer("CHANGES_CAPACITY", &c.Changes.Capacity)

	boolean("SYNC_ENABLED", &c.Sync.Enabled)
	str("SYNC_ENDPOINT", &c.Sync.Endpoint)
	str("SYNC_TOKEN", &c.Sync.Token)
	dur("SYNC_INTERVAL", &c.Sync.Interval)
	flt("SYNC_JITTER", &c.Sync.Jitter)
	dur("SYNC_TIMEOUT", &c.Sync.Timeout)
	str("SYNC_STRATEGY", &c.Sync.Strategy)
	dur("SYNC_DIVERGENCE_THRESHOLD", &c.Sync.DivergenceThreshold)
	str("SYNC_PASSPHRASE", &c.Sync.Passphrase)
	boolean("SYNC_COMPRESS", &c.Sync.Compress)
	boolean("SYNC_NOTIFICATIONS", &c.Sync.Notifications)

	str("SERVER_ADDR", &c.Server.Addr)
	str("SERVER_DSN", &c.Server.DSN)
	str("JWT_SECRET", &c.Server.JWTSecret)
	flt("SERVER_RATE_LIMIT", &c.Server.RateLimit)
	integer("SERVER_RATE_BURST", &c.Server.RateBurst)
	if v, ok := env("SERVER_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sync.Enabled && c.Sync.Endpoint == "" {
		return fmt.Errorf("invalid config: sync.enabled requires sync.endpoint")
	}
	return nil
}

// ResolvedStorageDSN returns StorageDSN, defaulting to a file store under
// DataDir.
func (c *Config) ResolvedStorageDSN() string {
	if strings.TrimSpace(c.StorageDSN) != "" {
		return c.StorageDSN
	}
	return "file://" + filepath.ToSlash(filepath.Join(c.DataDir, "store"))
}

// ResolvedSessionDSN returns SessionDSN, defaulting to a file store in the
// per-user runtime directory, or memory when none exists.
func (c *Config) ResolvedSessionDSN() string {
	if strings.TrimSpace(c.SessionDSN) != "" {
		return c.SessionDSN
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return "file://" + filepath.ToSlash(filepath.Join(runtimeDir, "boardsync"))
	}
	return "memory://"
}

var validate = validator.New()

func durationValue(raw string, fallback time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
