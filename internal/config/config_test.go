package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "calmirror.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "*/15 * * * *", cfg.Sync.Schedule)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
log:
  level: DEBUG
sync:
  timeout: 45s
  deletion_policy: drop
live:
  heartbeat_interval: 1m
calendars:
  - id: work
    user_id: alice
    remote_url: https://dav.example.com/alice/work/
    username: alice
    password_env: WORK_PASSWORD
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 45*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, "drop", cfg.Sync.DeletionPolicy)
	assert.Equal(t, time.Minute, cfg.Live.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Live.HeartbeatTimeout)
	require.Len(t, cfg.Calendars, 1)
	assert.Equal(t, "work", cfg.Calendars[0].Name)

	t.Setenv("WORK_PASSWORD", "from-env")
	assert.Equal(t, "from-env", cfg.Calendars[0].ResolvedPassword())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvListen:    ":7000",
		EnvDBDriver:  "mysql",
		EnvDBDSN:     "cal:pw@tcp(db:3306)/calmirror",
		EnvJWTSecret: "s3cret",
		EnvLogLevel:  "warn",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "cal:pw@tcp(db:3306)/calmirror", cfg.Database.DSN)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Calendars = []CalendarConfig{
		{ID: "work", UserID: "alice"},
		{ID: "work", UserID: "alice"},
		{UserID: "bob"},
		{ID: "home"},
	}
	cfg.Sync.DeletionPolicy = "merge"
	cfg.Live.BacklogLimit = MaxBacklogLimit + 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate id "work"`)
	assert.Contains(t, err.Error(), "calendars[2]: id is required")
	assert.Contains(t, err.Error(), "calendars[3]: user_id is required")
	assert.Contains(t, err.Error(), `unknown deletion_policy "merge"`)
	assert.Contains(t, err.Error(), "backlog_limit 1001 exceeds 1000")
}
