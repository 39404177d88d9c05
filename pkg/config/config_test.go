package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "embedded", cfg.Backend)
	assert.Equal(t, "data/graph_data.json", cfg.Embedded.DataFile)
	assert.True(t, cfg.Embedded.AutoSave)
	assert.Equal(t, 3, cfg.Embedded.BackupCount)
	assert.Equal(t, "neo4j://localhost:7687", cfg.Neo4j.URI)
	assert.Equal(t, 8742, cfg.Server.Port)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("overrides_defaults", func(t *testing.T) {
		t.Setenv("MUNINN_BACKEND", "neo4j")
		t.Setenv("MUNINN_DATA_FILE", "/tmp/graph.json")
		t.Setenv("MUNINN_AUTO_SAVE", "false")
		t.Setenv("MUNINN_BACKUP_COUNT", "7")
		t.Setenv("MUNINN_NEO4J_TIMEOUT", "5s")

		cfg := LoadFromEnv()

		assert.Equal(t, "neo4j", cfg.Backend)
		assert.Equal(t, "/tmp/graph.json", cfg.Embedded.DataFile)
		assert.False(t, cfg.Embedded.AutoSave)
		assert.Equal(t, 7, cfg.Embedded.BackupCount)
		assert.Equal(t, 5*time.Second, cfg.Neo4j.ConnectionTimeout)
	})

	t.Run("invalid_values_keep_defaults", func(t *testing.T) {
		t.Setenv("MUNINN_BACKUP_COUNT", "not-a-number")
		t.Setenv("MUNINN_AUTO_SAVE", "maybe")

		cfg := LoadFromEnv()

		assert.Equal(t, 3, cfg.Embedded.BackupCount)
		assert.True(t, cfg.Embedded.AutoSave)
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("file_values_win", func(t *testing.T) {
		t.Setenv("MUNINN_BACKUP_COUNT", "9")

		path := filepath.Join(t.TempDir(), "muninn.yaml")
		body := "backend: badger\nembedded:\n  backup_count: 2\nbadger:\n  data_dir: /tmp/bd\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, "badger", cfg.Backend)
		assert.Equal(t, 2, cfg.Embedded.BackupCount)
		assert.Equal(t, "/tmp/bd", cfg.Badger.DataDir)
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed_yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(": not yaml : ["), 0o644))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("unknown_backend", func(t *testing.T) {
		cfg := Default()
		cfg.Backend = "oracle"
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative_backup_count", func(t *testing.T) {
		cfg := Default()
		cfg.Embedded.BackupCount = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("neo4j_requires_credentials", func(t *testing.T) {
		cfg := Default()
		cfg.Backend = "neo4j"
		assert.Error(t, cfg.Validate())

		cfg.Neo4j.Password = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("badger_in_memory_needs_no_dir", func(t *testing.T) {
		cfg := Default()
		cfg.Backend = "badger"
		cfg.Badger.DataDir = ""
		assert.Error(t, cfg.Validate())

		cfg.Badger.InMemory = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muninn.yaml")

	require.NoError(t, WriteTemplate(path))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "embedded", cfg.Backend)

	// Refuses to clobber.
	assert.Error(t, WriteTemplate(path))
}
