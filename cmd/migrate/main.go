package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/dreamslabs/etl-pipelines/internal/config"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// migrationPattern matches migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// placeholder matches {{NAME}} markers left unresolved in a migration.
var placeholder = regexp.MustCompile(`\{\{[A-Z_]+\}\}`)

func main() {
	var (
		configPath    = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config (or set CONFIG_PATH env)")
		projectID     = flag.String("project", "", "GCP project ID (overrides config)")
		appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
		migrationsDir = flag.String("migrations", "migrations/bigquery", "Path to migrations directory")
		dryRun        = flag.Bool("dry-run", false, "Print pending migrations without applying them")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New("", logger.FormatConsole)
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	if *projectID != "" {
		cfg.ProjectID = *projectID
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.ProjectID == "" {
		log.Fatal().Msg("A project ID is required: set -project, project_id or ETL_PROJECT_ID")
	}

	ctx := logger.WithContext(context.Background(), log)

	client, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()
	client.Location = cfg.Warehouse.Location

	vars := templateVars(cfg)
	m := &migrator{
		client:    client,
		table:     vars["MIGRATIONS_TABLE"],
		appliedBy: *appliedBy,
		log:       log,
	}

	migrations, err := readMigrations(*migrationsDir, vars)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Int("count", len(migrations)).Msg("Found migration files")

	if err := m.ensureTable(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure schema_migrations table")
	}

	applied, err := m.applied(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get applied migrations")
	}

	pending := pendingMigrations(migrations, applied, log)
	if len(pending) == 0 {
		log.Info().Msg("No new migrations to apply. Warehouse is up to date.")
		return
	}

	for _, migration := range pending {
		if *dryRun {
			fmt.Printf("-- %s\n%s\n\n", migration.Filename, migration.SQL)
			continue
		}

		log.Info().Str("migration", migration.Filename).Msg("Applying migration")
		if err := m.run(ctx, migration.SQL, nil); err != nil {
			log.Fatal().Err(err).Str("migration", migration.Filename).Msg("Failed to execute migration")
		}
		if err := m.record(ctx, migration); err != nil {
			log.Fatal().Err(err).Str("migration", migration.Filename).Msg("Failed to record migration")
		}
	}

	if !*dryRun {
		log.Info().Int("applied", len(pending)).Msg("Migrations applied")
	}
}

// templateVars resolves the table placeholders used by migration files.
func templateVars(cfg *config.Config) map[string]string {
	qualify := func(ref string) string {
		if strings.Count(ref, ".") == 1 {
			return cfg.ProjectID + "." + ref
		}
		return ref
	}

	profits := qualify(cfg.Warehouse.ProfitsTable)
	dataset := profits[:strings.LastIndex(profits, ".")]

	return map[string]string{
		"PROJECT_ID":       cfg.ProjectID,
		"PROFITS_TABLE":    profits,
		"LEDGER_TABLE":     qualify(cfg.Warehouse.LedgerTable),
		"MIGRATIONS_TABLE": dataset + ".schema_migrations",
	}
}

// readMigrations reads all migration files from dir, resolving {{NAME}}
// placeholders from vars.
func readMigrations(dir string, vars map[string]string) ([]Migration, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		// Try from the repository root when run from cmd/migrate.
		alt := filepath.Join("..", "..", dir)
		if _, err := os.Stat(alt); err != nil {
			return nil, fmt.Errorf("migrations directory not found: %s", dir)
		}
		dir = alt
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(file.Name())
		if matches == nil {
			continue
		}

		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, fmt.Errorf("invalid version in %s: %w", file.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, prev, file.Name())
		}
		seen[version] = file.Name()

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		for key, value := range vars {
			sql = strings.ReplaceAll(sql, "{{"+key+"}}", value)
		}
		if left := placeholder.FindString(sql); left != "" {
			return nil, fmt.Errorf("unresolved placeholder %s in %s", left, file.Name())
		}

		// The checksum covers the file as written, not the resolved SQL, so
		// applying it to another project does not count as a change.
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// pendingMigrations returns the migrations not yet applied. Applied
// migrations whose file changed since are logged.
func pendingMigrations(migrations []Migration, applied []AppliedMigration, log zerolog.Logger) []Migration {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	var pending []Migration
	for _, migration := range migrations {
		am, ok := byVersion[migration.Version]
		if !ok {
			pending = append(pending, migration)
			continue
		}
		if am.Checksum != "" && am.Checksum != migration.Checksum {
			log.Warn().
				Str("migration", migration.Filename).
				Time("applied_at", am.AppliedAt).
				Msg("Applied migration was modified afterwards")
		}
	}
	return pending
}

type migrator struct {
	client    *bigquery.Client
	table     string
	appliedBy string
	log       zerolog.Logger
}

// ensureTable creates the schema_migrations table if it doesn't exist.
func (m *migrator) ensureTable(ctx context.Context) error {
	return m.run(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS `+"`%s`"+` (
			version INT64 NOT NULL,
			name STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum STRING,
			applied_by STRING
		)
	`, m.table), nil)
}

// applied retrieves the already applied migrations.
func (m *migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	q := m.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM `+"`%s`"+`
		ORDER BY version ASC
	`, m.table))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}

		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}

	return applied, nil
}

// record stores a successfully applied migration.
func (m *migrator) record(ctx context.Context, migration Migration) error {
	return m.run(ctx, fmt.Sprintf(`
		INSERT INTO `+"`%s`"+`
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, m.table), []bigquery.QueryParameter{
		{Name: "version", Value: migration.Version},
		{Name: "name", Value: migration.Name},
		{Name: "checksum", Value: migration.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	})
}

func (m *migrator) run(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	query := m.client.Query(sql)
	query.Parameters = params

	job, err := query.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}

	return nil
}
