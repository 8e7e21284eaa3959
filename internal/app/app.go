// Package app wires the configured backends into a batch pipeline and an
// orchestrator. Every entrypoint builds its collaborators through here.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"google.golang.org/api/idtoken"

	"github.com/dreamslabs/etl-pipelines/internal/config"
	"github.com/dreamslabs/etl-pipelines/internal/executor"
	infrabq "github.com/dreamslabs/etl-pipelines/internal/infra/bigquery"
	"github.com/dreamslabs/etl-pipelines/internal/infra/clickhouse"
	"github.com/dreamslabs/etl-pipelines/internal/infra/gcs"
	"github.com/dreamslabs/etl-pipelines/internal/infra/memory"
	"github.com/dreamslabs/etl-pipelines/internal/jobs"
	"github.com/dreamslabs/etl-pipelines/internal/jobs/inmemory"
	"github.com/dreamslabs/etl-pipelines/internal/metrics"
	"github.com/dreamslabs/etl-pipelines/internal/orchestrator"
	"github.com/dreamslabs/etl-pipelines/internal/pipeline"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// artifactStore is both an ArtifactStore and a PlanStore; every backend
// keeps the plan next to the artifacts.
type artifactStore interface {
	warehouse.ArtifactStore
	warehouse.PlanStore
}

// App holds the shared clients and the collaborators built from them.
type App struct {
	Config  *config.Config
	Metrics *metrics.Metrics

	Sources   *infrabq.Sources
	Artifacts artifactStore
	Pipeline  *pipeline.Pipeline

	bq      *bigquery.Client
	closers []func() error
}

// New opens the warehouse and artifact clients and builds the batch
// pipeline. m may be nil.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*App, error) {
	a := &App{Config: cfg, Metrics: m}

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = bigquery.DetectProjectID
	}
	bq, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("app.New: bigquery client: %w", err)
	}
	bq.Location = cfg.Warehouse.Location
	a.bq = bq
	a.closers = append(a.closers, bq.Close)

	a.Sources, err = infrabq.NewSources(bq, infrabq.Tables{
		Transfers: cfg.Warehouse.TransfersTable,
		Prices:    cfg.Warehouse.PricesTable,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}

	switch cfg.Artifacts.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)

		store, err := gcs.NewStore(client, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.Artifacts = store
	case config.BackendMemory:
		a.Artifacts = memory.NewStore()
	default:
		a.Close()
		return nil, fmt.Errorf("app.New: unknown artifacts backend %q", cfg.Artifacts.Backend)
	}

	a.Pipeline = pipeline.NewBatchPipeline(pipeline.Deps{
		Plans:             a.Artifacts,
		Transfers:         a.Sources,
		Prices:            a.Sources,
		Artifacts:         a.Artifacts,
		ExcludeOverage:    cfg.Profits.ExcludeOverage,
		OverageMaxWallets: cfg.Profits.OverageMaxWallets,
	})
	return a, nil
}

// Orchestrator builds the orchestrator with the configured executor,
// ledger and publisher.
func (a *App) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := a.Config

	exec, err := a.executor(ctx)
	if err != nil {
		return nil, fmt.Errorf("app.Orchestrator: %w", err)
	}

	var ledger jobs.BatchStore
	switch cfg.Orchestrator.Ledger {
	case config.BackendBigQuery:
		ledger, err = infrabq.NewLedger(a.bq, cfg.Warehouse.LedgerTable)
		if err != nil {
			return nil, fmt.Errorf("app.Orchestrator: %w", err)
		}
	default:
		ledger = inmemory.NewStore()
	}

	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, fmt.Errorf("app.Orchestrator: %w", err)
	}

	return orchestrator.New(orchestrator.Options{
		Universe:        a.Sources,
		Plans:           a.Artifacts,
		Artifacts:       a.Artifacts,
		Publisher:       publisher,
		Executor:        exec,
		Ledger:          ledger,
		Retry:           cfg.RetryPolicy(),
		Defaults: orchestrator.RunRequest{
			BatchSize:  cfg.Orchestrator.BatchSize,
			MaxWorkers: cfg.Orchestrator.MaxWorkers,
		},
		RetainArtifacts: cfg.Artifacts.Retain,
		Metrics:         a.Metrics,
	})
}

func (a *App) executor(ctx context.Context) (executor.BatchExecutor, error) {
	cfg := a.Config.Orchestrator
	if cfg.Executor != config.ExecutorRemote {
		return executor.NewLocal(a.Pipeline), nil
	}

	// Cloud Run workers require an ID token whose audience is the service URL.
	client, err := idtoken.NewClient(ctx, cfg.WorkerURL)
	if err != nil {
		return nil, fmt.Errorf("id token client: %w", err)
	}

	return executor.NewRemote(executor.RemoteOptions{
		BaseURL:       cfg.WorkerURL,
		Client:        client,
		Timeout:       cfg.BatchTimeout,
		RatePerSecond: cfg.DispatchRate,
	})
}

func (a *App) publisher(ctx context.Context) (warehouse.Publisher, error) {
	cfg := a.Config
	switch cfg.Publisher.Backend {
	case config.BackendBigQuery:
		if cfg.Artifacts.Backend != config.BackendGCS {
			return nil, errors.New("the bigquery publisher loads from gcs artifacts")
		}
		return infrabq.NewPublisher(a.bq, cfg.Warehouse.ProfitsTable, cfg.Warehouse.Location)
	case config.BackendClickHouse:
		conn, err := clickhouse.NewConn(ctx, cfg.Publisher.ClickHouseDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		return clickhouse.NewPublisher(conn, a.Artifacts, cfg.Publisher.Table)
	case config.BackendMemory:
		return memory.NewTable(a.Artifacts), nil
	default:
		return nil, fmt.Errorf("unknown publisher backend %q", cfg.Publisher.Backend)
	}
}

// Close releases every client opened by New and Orchestrator.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
