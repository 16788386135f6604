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
	t.Setenv("QS_STORAGE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, uint64(8000000), cfg.Chain.BlockGasLimit)
	assert.Equal(t, 72*time.Hour, cfg.Governance.VotingPeriod)
	assert.Equal(t, "@every 30s", cfg.Jobs.WebhookRetry)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("QS_HTTP_ADDR", ":9999")
	t.Setenv("QS_API_TOKENS", "a, b,,c")
	t.Setenv("QS_GOVERNANCE_QUORUM", "0.25")
	t.Setenv("QS_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.APITokens())
	assert.InDelta(t, 0.25, cfg.Governance.Quorum, 1e-9)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain:\n  block_reward: 7\nserver:\n  addr: \":7000\"\n"), 0o600))
	t.Setenv("QS_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.Chain.BlockReward)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	t.Setenv("QS_STORAGE_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("QS_STORAGE_DRIVER", "sqlite")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("QS_STORAGE_DRIVER", "memory")
	t.Setenv("QS_GOVERNANCE_THRESHOLD", "1.5")
	_, err = Load()
	require.Error(t, err)
}
