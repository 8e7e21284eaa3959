package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
project_id: dreams-prod
artifacts:
  bucket: dreams-etl
  retain: true
orchestrator:
  batch_size: 250
  executor: remote
  worker_url: https://worker.example.run.app
  batch_timeout: 5m
retry:
  max_attempts: 5
profits:
  exclude_overage: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dreams-prod", cfg.ProjectID)
	assert.Equal(t, "dreams-etl", cfg.Artifacts.Bucket)
	assert.True(t, cfg.Artifacts.Retain)
	assert.Equal(t, 250, cfg.Orchestrator.BatchSize)
	assert.Equal(t, 4, cfg.Orchestrator.MaxWorkers, "unset keys keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.BatchTimeout)
	assert.False(t, cfg.Profits.ExcludeOverage)
	assert.Equal(t, 20, cfg.Profits.OverageMaxWallets)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.InitialInterval)
	assert.Equal(t, 5*time.Minute, policy.AttemptTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("GCS_BUCKET", "env-bucket")
	t.Setenv("ETL_PROJECT_ID", "env-project")
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-bucket", cfg.Artifacts.Bucket)
	assert.Equal(t, "env-project", cfg.ProjectID)
	assert.Equal(t, 8, cfg.Orchestrator.MaxWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "orchestrator: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("GCS_BUCKET", "b")
	t.Setenv("BATCH_SIZE", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Artifacts.Bucket = "bucket"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Orchestrator.BatchSize = 0 }},
		{"negative workers", func(c *Config) { c.Orchestrator.MaxWorkers = -1 }},
		{"bad table", func(c *Config) { c.Warehouse.ProfitsTable = "coin_wallet_profits; drop" }},
		{"unknown executor", func(c *Config) { c.Orchestrator.Executor = "lambda" }},
		{"remote without url", func(c *Config) { c.Orchestrator.Executor = ExecutorRemote }},
		{"gcs without bucket", func(c *Config) { c.Artifacts.Bucket = "" }},
		{"clickhouse without dsn", func(c *Config) { c.Publisher.Backend = BackendClickHouse }},
		{"unknown ledger", func(c *Config) { c.Orchestrator.Ledger = "redis" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTableIDs(t *testing.T) {
	cfg := Default()
	dataset, table := cfg.ProfitsTableID()
	assert.Equal(t, "core", dataset)
	assert.Equal(t, "coin_wallet_profits", table)

	cfg.Warehouse.LedgerTable = "proj.temp.batches"
	dataset, table = cfg.LedgerTableID()
	assert.Equal(t, "temp", dataset)
	assert.Equal(t, "batches", table)
}
