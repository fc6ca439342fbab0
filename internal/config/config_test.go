package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PIPELINE_STAGES", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("EMBEDDING_DIMENSION", "")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, []string{"PARSE", "ANALYZE", "SUGGEST", "VALIDATE"}, cfg.Stages)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 1024, cfg.EmbeddingDimension)
	assert.Equal(t, 10*time.Second, cfg.EmbeddingTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_STAGES", "parse, validate")
	t.Setenv("DISPATCH_WORKERS", "7")
	t.Setenv("EMBEDDING_TIMEOUT", "250ms")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, []string{"PARSE", "VALIDATE"}, cfg.Stages)
	assert.Equal(t, 7, cfg.DispatchWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.EmbeddingTimeout)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server_port: \"9090\"\nstages: [PARSE, ANALYZE]\ndispatch_backoff: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, []string{"PARSE", "ANALYZE"}, cfg.Stages)
	assert.Equal(t, 5*time.Second, cfg.DispatchBackoff)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Stages: []string{"PARSE"}, DBDriver: "sqlite3", EmbeddingDimension: 1024, DispatchWorkers: 1}
	assert.NoError(t, cfg.Validate())

	bad := *cfg
	bad.DBDriver = "mysql"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Stages = nil
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.EmbeddingDimension = 0
	assert.Error(t, bad.Validate())
}
