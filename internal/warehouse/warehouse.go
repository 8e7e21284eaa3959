// Package warehouse defines the collaborators the profits pipeline reads
// from and writes to. Implementations live under internal/infra.
package warehouse

import (
	"context"
	"errors"

	"github.com/dreamslabs/etl-pipelines/internal/batch"
	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

// ErrPlanNotFound is returned by a PlanStore when no plan has been saved.
var ErrPlanNotFound = errors.New("partition plan not found")

// TransferSource yields transfer rows. An empty coinIDs loads every coin.
type TransferSource interface {
	LoadTransfers(ctx context.Context, coinIDs []string) ([]domain.TransferRecord, error)
}

// PriceSource yields price rows. An empty coinIDs loads every coin.
type PriceSource interface {
	LoadPrices(ctx context.Context, coinIDs []string) ([]domain.PricePoint, error)
}

// CoinUniverse lists the coins with both transfer and price coverage.
type CoinUniverse interface {
	ListEligibleCoins(ctx context.Context) ([]string, error)
}

// ArtifactStore holds the intermediate result of each batch, keyed by batch
// number. Exactly one writer exists per batch.
type ArtifactStore interface {
	WriteBatch(ctx context.Context, batchNumber int, records []domain.ProfitRecord) (domain.BatchResult, error)
	ReadBatch(ctx context.Context, batchNumber int) ([]domain.ProfitRecord, error)
	DeleteBatch(ctx context.Context, batchNumber int) error
	// ListBatches returns the batch numbers that currently have an artifact.
	ListBatches(ctx context.Context) ([]int, error)
}

// PlanStore persists the partition plan of the current run so stateless
// workers can resolve a batch number to its coins.
type PlanStore interface {
	SavePlan(ctx context.Context, plan *batch.Plan) error
	LoadPlan(ctx context.Context) (*batch.Plan, error)
	DeletePlan(ctx context.Context) error
}

// Publisher replaces the final profits table with the union of the given
// batch artifacts and returns the number of rows published.
type Publisher interface {
	Publish(ctx context.Context, results []domain.BatchResult) (int64, error)
}
