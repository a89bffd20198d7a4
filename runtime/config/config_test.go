package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
services:
  - id: primary
    model: claude-sonnet-4
    apiKey: test-key
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.MaxSteps)
	assert.Equal(t, 20000, cfg.MaxToolRounds)
	assert.Equal(t, 30000, cfg.ShutdownTimeoutMs)
	assert.Equal(t, 0.85, cfg.AutoCompression.Threshold)
	assert.Equal(t, 10, cfg.AutoCompression.KeepRecentCount)
	assert.Equal(t, "file", cfg.Persistence.Backend)
	assert.Equal(t, "./runtime-data", cfg.Persistence.RuntimeDir)
	require.Len(t, cfg.Services, 1)
	assert.True(t, cfg.Services[0].Default, "sole service should be defaulted")
}

func TestLoadRejectsMissingServices(t *testing.T) {
	path := writeConfig(t, `maxSteps: 50`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownPersistenceBackend(t *testing.T) {
	path := writeConfig(t, `
services:
  - id: primary
    model: m
    apiKey: k
persistence:
  backend: dynamodb
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLifecycleConfigTranslatesDurations(t *testing.T) {
	path := writeConfig(t, `
maxSteps: 10
shutdownTimeoutMs: 5000
services:
  - id: primary
    model: m
    apiKey: k
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	lc := cfg.LifecycleConfig()
	assert.Equal(t, 10, lc.MaxSteps)
	assert.Equal(t, int64(5000), lc.ShutdownTimeout.Milliseconds())
}
