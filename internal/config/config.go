// Package config loads service configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamslabs/etl-pipelines/internal/retry"
)

// Backends.
const (
	BackendBigQuery   = "bigquery"
	BackendClickHouse = "clickhouse"
	BackendGCS        = "gcs"
	BackendMemory     = "memory"

	ExecutorLocal  = "local"
	ExecutorRemote = "remote"
)

// tableRef matches dataset.table or project.dataset.table.
var tableRef = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_$-]+){1,2}$`)

type Config struct {
	ProjectID    string             `yaml:"project_id"`
	Warehouse    WarehouseConfig    `yaml:"warehouse"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Publisher    PublisherConfig    `yaml:"publisher"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Retry        RetryConfig        `yaml:"retry"`
	Profits      ProfitsConfig      `yaml:"profits"`
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
}

type WarehouseConfig struct {
	Location       string `yaml:"location"`
	TransfersTable string `yaml:"transfers_table"`
	PricesTable    string `yaml:"prices_table"`
	ProfitsTable   string `yaml:"profits_table"`
	LedgerTable    string `yaml:"ledger_table"`
}

type ArtifactsConfig struct {
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	// Retain keeps batch artifacts after a successful publish.
	Retain bool `yaml:"retain"`
}

type PublisherConfig struct {
	Backend       string `yaml:"backend"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	Table         string `yaml:"table"`
}

type OrchestratorConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxWorkers   int           `yaml:"max_workers"`
	Executor     string        `yaml:"executor"`
	WorkerURL    string        `yaml:"worker_url"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	DispatchRate float64       `yaml:"dispatch_rate"`
	Ledger       string        `yaml:"ledger"`
}

type RetryConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
}

type ProfitsConfig struct {
	ExcludeOverage    bool `yaml:"exclude_overage"`
	OverageMaxWallets int  `yaml:"overage_max_wallets"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	policy := retry.DefaultPolicy()
	return Config{
		Warehouse: WarehouseConfig{
			Location:       "US",
			TransfersTable: "core.coin_wallet_transfers",
			PricesTable:    "core.coin_market_data",
			ProfitsTable:   "core.coin_wallet_profits",
			LedgerTable:    "temp.coin_wallet_profits_batches",
		},
		Artifacts: ArtifactsConfig{
			Backend: BackendGCS,
			Prefix:  "coin_wallet_profits",
		},
		Publisher: PublisherConfig{
			Backend: BackendBigQuery,
			Table:   "coin_wallet_profits",
		},
		Orchestrator: OrchestratorConfig{
			BatchSize:    100,
			MaxWorkers:   4,
			Executor:     ExecutorLocal,
			BatchTimeout: 9 * time.Minute,
			Ledger:       BackendMemory,
		},
		Retry: RetryConfig{
			MaxAttempts:         policy.MaxAttempts,
			InitialInterval:     policy.InitialInterval,
			MaxInterval:         policy.MaxInterval,
			Multiplier:          policy.Multiplier,
			RandomizationFactor: policy.RandomizationFactor,
		},
		Profits: ProfitsConfig{
			ExcludeOverage:    true,
			OverageMaxWallets: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Port: "8080",
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("Load: failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ETL_PROJECT_ID": &c.ProjectID,
		"GCS_BUCKET":     &c.Artifacts.Bucket,
		"WORKER_URL":     &c.Orchestrator.WorkerURL,
		"CLICKHOUSE_DSN": &c.Publisher.ClickHouseDSN,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
		"PORT":           &c.Server.Port,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":  &c.Orchestrator.BatchSize,
		"MAX_WORKERS": &c.Orchestrator.MaxWorkers,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("applyEnv: %s must be an integer: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("Validate: orchestrator.batch_size must be positive, got %d", c.Orchestrator.BatchSize)
	}
	if c.Orchestrator.MaxWorkers <= 0 {
		return fmt.Errorf("Validate: orchestrator.max_workers must be positive, got %d", c.Orchestrator.MaxWorkers)
	}
	if c.Orchestrator.BatchTimeout < 0 {
		return fmt.Errorf("Validate: orchestrator.batch_timeout must not be negative")
	}

	for name, table := range map[string]string{
		"warehouse.transfers_table": c.Warehouse.TransfersTable,
		"warehouse.prices_table":    c.Warehouse.PricesTable,
		"warehouse.profits_table":   c.Warehouse.ProfitsTable,
		"warehouse.ledger_table":    c.Warehouse.LedgerTable,
	} {
		if !tableRef.MatchString(table) {
			return fmt.Errorf("Validate: %s %q is not a dataset.table reference", name, table)
		}
	}

	switch c.Orchestrator.Executor {
	case ExecutorLocal:
	case ExecutorRemote:
		u, err := url.Parse(c.Orchestrator.WorkerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("Validate: orchestrator.worker_url %q is required for the remote executor", c.Orchestrator.WorkerURL)
		}
	default:
		return fmt.Errorf("Validate: unknown orchestrator.executor %q", c.Orchestrator.Executor)
	}

	switch c.Orchestrator.Ledger {
	case BackendMemory, BackendBigQuery:
	default:
		return fmt.Errorf("Validate: unknown orchestrator.ledger %q", c.Orchestrator.Ledger)
	}

	switch c.Artifacts.Backend {
	case BackendMemory:
	case BackendGCS:
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("Validate: artifacts.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("Validate: unknown artifacts.backend %q", c.Artifacts.Backend)
	}

	switch c.Publisher.Backend {
	case BackendBigQuery, BackendMemory:
	case BackendClickHouse:
		if c.Publisher.ClickHouseDSN == "" {
			return fmt.Errorf("Validate: publisher.clickhouse_dsn is required for the clickhouse backend")
		}
	default:
		return fmt.Errorf("Validate: unknown publisher.backend %q", c.Publisher.Backend)
	}

	if c.Profits.OverageMaxWallets < 0 {
		return fmt.Errorf("Validate: profits.overage_max_wallets must not be negative")
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	return nil
}

// RetryPolicy returns the batch retry policy with the batch timeout applied
// per attempt.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:         c.Retry.MaxAttempts,
		InitialInterval:     c.Retry.InitialInterval,
		MaxInterval:         c.Retry.MaxInterval,
		Multiplier:          c.Retry.Multiplier,
		RandomizationFactor: c.Retry.RandomizationFactor,
		AttemptTimeout:      c.Orchestrator.BatchTimeout,
	}
}

// ProfitsTableID returns the dataset and table of the profits table.
func (c *Config) ProfitsTableID() (dataset, table string) {
	parts := strings.Split(c.Warehouse.ProfitsTable, ".")
	return parts[len(parts)-2], parts[len(parts)-1]
}

// LedgerTableID returns the dataset and table of the batch ledger.
func (c *Config) LedgerTableID() (dataset, table string) {
	parts := strings.Split(c.Warehouse.LedgerTable, ".")
	return parts[len(parts)-2], parts[len(parts)-1]
}
