package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "offline-data-manager", config.Storage.DatabaseName)
	assert.Equal(t, 1, config.Storage.SchemaVersion)
	assert.Equal(t, 2, config.Engine.Concurrency)
	assert.Equal(t, time.Second, config.Engine.BackoffBase)
	assert.NotContains(t, config.Storage.DataDir, "$HOME", "paths are expanded")
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
engine:
  concurrency: 4
storage:
  data_dir: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, 4, config.Engine.Concurrency)
	assert.Equal(t, dir, config.Storage.DataDir)
	// Unspecified fields keep their defaults
	assert.Equal(t, "localhost", config.Server.Host)
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidConcurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  concurrency: 0\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	path := DatabasePath(&config.Storage)
	assert.Equal(t, filepath.Join(config.Storage.DataDir, "offline-data-manager.db"), path)
}
