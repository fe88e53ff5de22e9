package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "sqlite://test.db")
	t.Setenv("VECTOR_STORE_URL", "memory://")
	t.Setenv("LLM_PROVIDER_KEY", "test-key")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, 120*time.Second, cfg.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 8, cfg.MaxToolRounds)
	assert.Equal(t, 4, cfg.MaxDelegation)
	assert.Equal(t, 0.90, cfg.MemoryDedupCos)
	assert.Equal(t, 0.95, cfg.MemoryMergeCos)
}

func TestLoadFailsWithoutRequiredVariables(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VECTOR_STORE_URL", "")
	t.Setenv("LLM_PROVIDER_KEY", "")
	_, err := Load("")
	require.Error(t, err)
}

func TestEnvOverridesWinOverDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RUN_TIMEOUT_SEC", "45")
	t.Setenv("MAX_TOOL_ROUNDS", "3")
	t.Setenv("MEMORY_DEDUP_COSINE", "0.85")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.RunTimeout)
	assert.Equal(t, 3, cfg.MaxToolRounds)
	assert.Equal(t, 0.85, cfg.MemoryDedupCos)
}

func TestLoadExpandsEnvPlaceholdersInYAML(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TEST_DB_HOST", "db.internal")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "database_url: postgres://${TEST_DB_HOST}/app\nlog_level: ${MISSING_VAR:-debug}\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal/app", cfg.DatabaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsUnknownTracingExporter(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRACING_EXPORTER", "zipkin")
	_, err := Load("")
	require.Error(t, err)
}
