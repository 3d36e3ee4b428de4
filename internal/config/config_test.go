package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research-backend/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAutoIterations)
	assert.Equal(t, 3, cfg.DeepResearchConcurrency)
	assert.Equal(t, 5, cfg.ChatConcurrency)
	assert.Equal(t, "EDISON", cfg.PrimaryLiteratureAgent)
	assert.Equal(t, "120s", cfg.FileBarrierTimeout.String())
	assert.Equal(t, 10, cfg.LockRetries)
	assert.True(t, cfg.IsDev())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_AUTO_ITERATIONS", "9")
	t.Setenv("PRIMARY_ANALYSIS_AGENT", "BIO")
	t.Setenv("APP_ENV", "prod")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxAutoIterations)
	assert.Equal(t, "BIO", cfg.PrimaryAnalysisAgent)
	assert.True(t, cfg.IsProd())
}

func TestLoadGatePolicy_DefaultWhenUnset(t *testing.T) {
	p, err := config.LoadGatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultGatePolicy(), p)
}

func TestLoadGatePolicy_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_messages: 3\nevery_n_iterations: 2\nrequire_analysis: true\n"), 0o600))

	p, err := config.LoadGatePolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MinMessages)
	assert.Equal(t, 2, p.EveryNIterations)
	assert.True(t, p.RequireAnalysis)
	// unspecified field keeps the default
	assert.Equal(t, 1, p.MinCompletedTasks)
}

func TestGatePolicy_Allow(t *testing.T) {
	p := config.GatePolicy{MinMessages: 2, MinCompletedTasks: 1, EveryNIterations: 2, RequireAnalysis: true}

	assert.False(t, p.Allow(1, 3, 1, 2), "too few messages")
	assert.False(t, p.Allow(3, 0, 0, 2), "nothing completed")
	assert.False(t, p.Allow(3, 2, 0, 2), "no analysis completed")
	assert.False(t, p.Allow(3, 2, 1, 3), "off-cycle iteration")
	assert.True(t, p.Allow(3, 2, 1, 2))
}
