package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamslabs/etl-pipelines/internal/config"
)

func TestMigrationFilenamePattern(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  string
		name     string
	}{
		{"0001_create_coin_wallet_profits.sql", true, "0001", "create_coin_wallet_profits"},
		{"001_invalid.sql", false, "", ""},
		{"0001_test", false, "", ""},
		{"0001.sql", false, "", ""},
		{"invalid_0001_test.sql", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			matches := migrationPattern.FindStringSubmatch(tt.filename)
			if !tt.valid {
				assert.Nil(t, matches)
				return
			}
			require.NotNil(t, matches)
			assert.Equal(t, tt.version, matches[1])
			assert.Equal(t, tt.name, matches[2])
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestReadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0002_profits.sql", "CREATE TABLE `{{PROFITS_TABLE}}` (x INT64);")
	writeFile(t, dir, "0001_init.sql", "CREATE TABLE `{{MIGRATIONS_TABLE}}` (v INT64);")
	writeFile(t, dir, "README.md", "not a migration")

	migrations, err := readMigrations(dir, map[string]string{
		"PROFITS_TABLE":    "p.core.coin_wallet_profits",
		"MIGRATIONS_TABLE": "p.core.schema_migrations",
	})
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE `p.core.schema_migrations` (v INT64);", migrations[0].SQL)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Len(t, migrations[1].Checksum, 64)
}

func TestReadMigrations_ChecksumIgnoresPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0001_init.sql", "CREATE TABLE `{{PROFITS_TABLE}}` (x INT64);")

	a, err := readMigrations(dir, map[string]string{"PROFITS_TABLE": "a.core.t"})
	require.NoError(t, err)
	b, err := readMigrations(dir, map[string]string{"PROFITS_TABLE": "b.core.t"})
	require.NoError(t, err)

	assert.NotEqual(t, a[0].SQL, b[0].SQL)
	assert.Equal(t, a[0].Checksum, b[0].Checksum)
}

func TestReadMigrations_Errors(t *testing.T) {
	t.Run("unresolved placeholder", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "0001_init.sql", "CREATE TABLE `{{UNKNOWN}}` (x INT64);")
		_, err := readMigrations(dir, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "{{UNKNOWN}}")
	})

	t.Run("duplicate version", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "0001_a.sql", "SELECT 1;")
		writeFile(t, dir, "0001_b.sql", "SELECT 2;")
		_, err := readMigrations(dir, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate migration version")
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := readMigrations(filepath.Join(t.TempDir(), "nope"), nil)
		assert.Error(t, err)
	})
}

func TestPendingMigrations(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Filename: "0001_a.sql", Checksum: "aaa"},
		{Version: 2, Filename: "0002_b.sql", Checksum: "bbb"},
		{Version: 3, Filename: "0003_c.sql", Checksum: "ccc"},
	}
	applied := []AppliedMigration{
		{Version: 1, Checksum: "aaa", AppliedAt: time.Now()},
		{Version: 2, Checksum: "changed", AppliedAt: time.Now()},
	}

	pending := pendingMigrations(migrations, applied, zerolog.Nop())
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Version)
}

func TestTemplateVars(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectID = "proj"

	vars := templateVars(&cfg)
	assert.Equal(t, "proj.core.coin_wallet_profits", vars["PROFITS_TABLE"])
	assert.Equal(t, "proj.temp.coin_wallet_profits_batches", vars["LEDGER_TABLE"])
	assert.Equal(t, "proj.core.schema_migrations", vars["MIGRATIONS_TABLE"])
}

func TestRepositoryMigrationsResolve(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectID = "proj"

	migrations, err := readMigrations(filepath.Join("..", "..", "migrations", "bigquery"), templateVars(&cfg))
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, m.Filename)
	}
}
