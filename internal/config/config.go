// Package config loads the calmirror YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: Load creates a default file with 0600 permissions on first run.
// Environment overrides are applied by ApplyEnv after loading.

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite", "mysql" or "memory".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// File, when set, receives the log instead of stderr and is rotated.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// SyncConfig tunes the synchronization engine and its schedule.
type SyncConfig struct {
	// Schedule is a cron expression, e.g. "*/15 * * * *".
	Schedule       string        `yaml:"schedule" json:"schedule"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	Parallelism    int           `yaml:"parallelism" json:"parallelism"`
	Retries        int           `yaml:"retries" json:"retries"`
	Backoff        time.Duration `yaml:"backoff" json:"backoff"`
	// DeletionPolicy is "recreate" or "drop".
	DeletionPolicy string `yaml:"deletion_policy" json:"deletion_policy"`
}

// LiveConfig tunes the push channel.
type LiveConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	MaxBufferedBytes  int64         `yaml:"max_buffered_bytes" json:"max_buffered_bytes"`
	// SyncRequestRate is sync-request messages per second per connection.
	SyncRequestRate float64  `yaml:"sync_request_rate" json:"sync_request_rate"`
	BacklogLimit    int      `yaml:"backlog_limit" json:"backlog_limit"`
	OriginPatterns  []string `yaml:"origin_patterns,omitempty" json:"origin_patterns,omitempty"`
}

// ReminderConfig tunes event_reminder notifications.
type ReminderConfig struct {
	// Lead is how long before an occurrence the reminder is sent.
	Lead     time.Duration `yaml:"lead" json:"lead"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// AuthConfig configures bearer tokens.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" json:"-"`
	Issuer    string        `yaml:"issuer" json:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// CalendarConfig declares one mirrored calendar.
type CalendarConfig struct {
	ID           string `yaml:"id" json:"id"`
	UserID       string `yaml:"user_id" json:"user_id"`
	Name         string `yaml:"name" json:"name"`
	OwnerAddress string `yaml:"owner_address" json:"owner_address"`
	// RemoteURL is empty for a local-only calendar.
	RemoteURL string `yaml:"remote_url,omitempty" json:"remote_url,omitempty"`
	Username  string `yaml:"username,omitempty" json:"username,omitempty"`
	Password  string `yaml:"password,omitempty" json:"-"`
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`
	// Strategy is "sync-collection" (default) or "listing".
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// ResolvedPassword returns Password, or the value of PasswordEnv when set.
func (c CalendarConfig) ResolvedPassword() string {
	if c.PasswordEnv != "" {
		if v, ok := os.LookupEnv(c.PasswordEnv); ok {
			return v
		}
	}
	return c.Password
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and push channel.
	Listen    string           `yaml:"listen" json:"listen"`
	Database  DatabaseConfig   `yaml:"database" json:"database"`
	Log       LogConfig        `yaml:"log" json:"log"`
	Sync      SyncConfig       `yaml:"sync" json:"sync"`
	Live      LiveConfig       `yaml:"live" json:"live"`
	Reminders ReminderConfig   `yaml:"reminders" json:"reminders"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing or zero values with defaults so partially
// filled files still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "calmirror.db"
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(c.Log.Level)
	default:
		c.Log.Level = "info"
	}
	if c.Log.Format != "json" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}

	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "*/15 * * * *"
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = 2 * time.Minute
	}
	if c.Sync.RequestTimeout <= 0 {
		c.Sync.RequestTimeout = 30 * time.Second
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = 4
	}
	if c.Sync.Retries < 0 {
		c.Sync.Retries = 0
	}
	if c.Sync.Backoff <= 0 {
		c.Sync.Backoff = 2 * time.Second
	}
	if c.Sync.DeletionPolicy == "" {
		c.Sync.DeletionPolicy = "recreate"
	}

	if c.Live.HeartbeatInterval <= 0 {
		c.Live.HeartbeatInterval = 30 * time.Second
	}
	if c.Live.HeartbeatTimeout <= 0 {
		c.Live.HeartbeatTimeout = 10 * time.Second
	}
	if c.Live.HandshakeTimeout <= 0 {
		c.Live.HandshakeTimeout = 10 * time.Second
	}
	if c.Live.MaxBufferedBytes <= 0 {
		c.Live.MaxBufferedBytes = 1 << 20
	}
	if c.Live.SyncRequestRate <= 0 {
		c.Live.SyncRequestRate = 0.2
	}
	if c.Live.BacklogLimit <= 0 {
		c.Live.BacklogLimit = 50
	}

	if c.Reminders.Lead <= 0 {
		c.Reminders.Lead = 15 * time.Minute
	}
	if c.Reminders.Interval <= 0 {
		c.Reminders.Interval = time.Minute
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "calmirror"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].Name == "" {
			c.Calendars[i].Name = c.Calendars[i].ID
		}
	}
}

// MaxBacklogLimit bounds live.backlog_limit. Catch-up runs before a new
// connection reads anything, so the backlog stays small.
const MaxBacklogLimit = 1000

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, cal := range c.Calendars {
		switch {
		case cal.ID == "":
			errs = append(errs, fmt.Errorf("calendars[%d]: id is required", i))
		case seen[cal.ID]:
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID))
		}
		seen[cal.ID] = true
		if cal.UserID == "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: user_id is required", i))
		}
	}
	switch c.Sync.DeletionPolicy {
	case "recreate", "drop":
	default:
		errs = append(errs, fmt.Errorf("sync: unknown deletion_policy %q", c.Sync.DeletionPolicy))
	}
	if c.Live.BacklogLimit > MaxBacklogLimit {
		errs = append(errs, fmt.Errorf("live: backlog_limit %d exceeds %d", c.Live.BacklogLimit, MaxBacklogLimit))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql", "memory":
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

// Env names the environment overrides.
const (
	EnvListen    = "CALMIRROR_LISTEN"
	EnvDBDriver  = "CALMIRROR_DB_DRIVER"
	EnvDBDSN     = "CALMIRROR_DB_DSN"
	EnvJWTSecret = "CALMIRROR_JWT_SECRET"
	EnvLogLevel  = "CALMIRROR_LOG_LEVEL"
)

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvListen, &c.Listen)
	set(EnvDBDriver, &c.Database.Driver)
	set(EnvDBDSN, &c.Database.DSN)
	set(EnvJWTSecret, &c.Auth.JWTSecret)
	set(EnvLogLevel, &c.Log.Level)
	c.Normalize()
}

// Load loads configuration from the YAML file at path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 permissions and returned.
//   - Otherwise the file is decoded and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file and rename, with 0600
// permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
