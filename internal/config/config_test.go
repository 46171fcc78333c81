package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/loom_test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local-dev", cfg.EnvID)
	assert.Equal(t, 60*time.Second, cfg.Lease())
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 1, cfg.WorkerBatchSize)
	assert.Equal(t, 5*time.Second, cfg.CollectorInterval())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.NotEmpty(t, cfg.WorkerID, "worker id must default to hostname-pid")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/loom_test")
	t.Setenv("ENV_ID", "staging")
	t.Setenv("WORKER_ID", "worker-7")
	t.Setenv("LEASE_DURATION_SECONDS", "120")
	t.Setenv("POLL_INTERVAL_SECONDS", "1")
	t.Setenv("WORKER_BATCH_SIZE", "4")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.EnvID)
	assert.Equal(t, "worker-7", cfg.WorkerID)
	assert.Equal(t, 2*time.Minute, cfg.Lease())
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 4, cfg.WorkerBatchSize)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
