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
	path := filepath.Join(t.TempDir(), "drey.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("valid couch config", func(t *testing.T) {
		path := writeConfig(t, `
version: "1.0"
store:
  backend: couch
  url: http://localhost:5984
  database: schematics
  username_env: DREY_USER
  password_env: DREY_PASS
sync:
  max_conflict_rounds: 8
  feed_timeout_seconds: 45
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, BackendCouch, cfg.Store.Backend)
		assert.Equal(t, "schematics", cfg.Store.Database)
		assert.Equal(t, 8, cfg.Sync.MaxConflictRounds)
		assert.Equal(t, 45*time.Second, cfg.Sync.FeedTimeout())
	})

	t.Run("valid redis config", func(t *testing.T) {
		path := writeConfig(t, `
version: "1.0"
store:
  backend: redis
  redis_addr: localhost:6379
  database: schematics
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, BackendRedis, cfg.Store.Backend)
		require.NotNil(t, cfg.Sync, "missing sync section gets a default")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})

	t.Run("malformed YAML", func(t *testing.T) {
		path := writeConfig(t, "version: [unclosed")
		_, err := Load(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *DreyConfig {
		return &DreyConfig{
			Version: "1.0",
			Store: StoreConfig{
				Backend:  BackendCouch,
				URL:      "http://localhost:5984",
				Database: "schematics",
			},
		}
	}

	t.Run("accepts valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects unsupported version", func(t *testing.T) {
		cfg := valid()
		cfg.Version = "2.0"
		assert.ErrorContains(t, cfg.Validate(), "unsupported version")
	})

	t.Run("rejects missing database", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Database = ""
		assert.ErrorContains(t, cfg.Validate(), "store.database")
	})

	t.Run("rejects couch backend without url", func(t *testing.T) {
		cfg := valid()
		cfg.Store.URL = ""
		assert.ErrorContains(t, cfg.Validate(), "store.url")
	})

	t.Run("rejects redis backend without addr", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Backend = BackendRedis
		assert.ErrorContains(t, cfg.Validate(), "store.redis_addr")
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Backend = "mongo"
		assert.ErrorContains(t, cfg.Validate(), "unknown store.backend")
	})

	t.Run("rejects negative conflict rounds", func(t *testing.T) {
		cfg := valid()
		cfg.Sync = &SyncConfig{MaxConflictRounds: -1}
		assert.ErrorContains(t, cfg.Validate(), "max_conflict_rounds")
	})
}

func TestCredentials(t *testing.T) {
	t.Setenv("DREY_TEST_USER", "admin")
	t.Setenv("DREY_TEST_PASS", "hunter2")

	store := StoreConfig{UsernameEnv: "DREY_TEST_USER", PasswordEnv: "DREY_TEST_PASS"}
	user, pass := store.Credentials()
	assert.Equal(t, "admin", user)
	assert.Equal(t, "hunter2", pass)

	anonymous := StoreConfig{}
	user, pass = anonymous.Credentials()
	assert.Empty(t, user)
	assert.Empty(t, pass)
}
