package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "troupe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ".", cfg.CatalogRoot)
	assert.Equal(t, 200*time.Millisecond, cfg.Registry.RetryBase.Std())
	assert.Equal(t, 3, cfg.Registry.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.Activation.MaxActive)
	assert.Equal(t, 30*time.Minute, cfg.Activation.IdleTimeout.Std())
	assert.Equal(t, time.Minute, cfg.Activation.SweepInterval.Std())
	assert.Equal(t, "inmemory", cfg.Storage.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logger.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
catalog_root: /srv/workspace
watch: true
registry:
  retry_base: 500ms
  retry_max_attempts: 5
activation:
  max_active: 10
  idle_timeout: 1h
storage:
  backend: sqlite
server:
  port: 9090
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/workspace", cfg.CatalogRoot)
	assert.True(t, cfg.Watch)
	assert.Equal(t, 500*time.Millisecond, cfg.Registry.RetryBase.Std())
	assert.Equal(t, 5, cfg.Registry.RetryMaxAttempts)
	assert.Equal(t, 10, cfg.Activation.MaxActive)
	assert.Equal(t, time.Hour, cfg.Activation.IdleTimeout.Std())
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, ".troupe/sessions.db", cfg.Storage.DSN)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Metrics.Enabled)

	// Unset sections still receive defaults.
	assert.Equal(t, time.Minute, cfg.Activation.SweepInterval.Std())
	assert.Equal(t, "text", cfg.Logger.Format)
}

func TestLoad_DurationAcceptsBareSeconds(t *testing.T) {
	path := writeConfig(t, `
activation:
  idle_timeout: 90
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Activation.IdleTimeout.Std())
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
activation:
  idle_timeout: soon
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("TROUPE_TEST_DSN", "postgres://localhost/troupe")
	path := writeConfig(t, `
storage:
  backend: postgres
  dsn: ${TROUPE_TEST_DSN}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/troupe", cfg.Storage.DSN)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: postgres
  dsn: ${TROUPE_TEST_UNSET_VAR}
`)

	// Empty DSN for a network backend fails validation.
	_, err := Load(path)
	assert.ErrorContains(t, err, "requires a dsn")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "cassandra"
	assert.ErrorContains(t, cfg.Validate(), "unsupported storage backend")

	cfg = Default()
	cfg.Activation.MaxActive = -1
	assert.ErrorContains(t, cfg.Validate(), "max_active")

	cfg = Default()
	cfg.Server.Port = 70000
	assert.ErrorContains(t, cfg.Validate(), "port out of range")
}
