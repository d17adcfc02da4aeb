package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvbrc/workspace/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	// Nonexistent path at the default location falls back to defaults.
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)
	assert.Equal(t, DefaultAPIRoot, cfg.Server.APIRoot)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, DefaultDownloadLifetime, cfg.Download.Lifetime)
	assert.Equal(t, DefaultMaxInlineData, cfg.Service.MaxInlineData)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: DEBUG
  format: json
server:
  listen_address: ":9000"
  api_root: /workspace/api
database:
  backend: memory
  worker_threads: 4
filesystem:
  path: /data/ws
shock:
  url: http://shock.example.org:7078
auth:
  service_url: http://auth.example.org/Sessions/Login
  user: wsuser
  password: secret
  admins:
    - ops@example.org
    - root@example.org
download:
  lifetime: 30m
service:
  max_inline_data: 1Mi
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":9000", cfg.Server.ListenAddress)
	assert.Equal(t, "/workspace/api", cfg.Server.APIRoot)
	assert.Equal(t, 4, cfg.Database.WorkerThreads)
	assert.Equal(t, "/data/ws", cfg.Filesystem.Path)
	assert.Equal(t, 30*time.Minute, cfg.Download.Lifetime)
	assert.Equal(t, bytesize.MiB, cfg.Service.MaxInlineData)
	assert.True(t, cfg.Auth.IsAdmin("ops@example.org"))
	assert.False(t, cfg.Auth.IsAdmin("nobody@example.org"))

	// Unset fields picked up defaults.
	assert.Equal(t, DefaultReconcileInterval, cfg.Shock.ReconcileInterval)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
}

func TestLoadAdminListFromEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  backend: memory
filesystem:
  path: /data/ws
auth:
  admins: ""
`)
	t.Setenv("WORKSPACE_AUTH_ADMINS", "a@x.org;b@x.org")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.org", "b@x.org"}, cfg.Auth.Admins)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad backend", func(c *Config) { c.Database.Backend = "dynamo" }},
		{"missing filesystem path", func(c *Config) { c.Filesystem.Path = "" }},
		{"relative api root", func(c *Config) { c.Server.APIRoot = "api" }},
		{"zero download lifetime", func(c *Config) { c.Download.Lifetime = 0 }},
		{"auth url without creds", func(c *Config) {
			c.Auth.ServiceURL = "http://auth.example.org"
			c.Auth.User = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Auth.Admins = []string{"ops@example.org"}
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.ListenAddress, loaded.Server.ListenAddress)
	assert.Equal(t, cfg.Auth.Admins, loaded.Auth.Admins)
}
