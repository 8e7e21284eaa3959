// Package pipeline computes a single batch: resolve its coins from the
// partition plan, load transfers and prices, reconcile, calculate, filter
// and write the batch artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/profits"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// PipelineStep represents a single step in the batch pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *BatchState) error
}

// BatchState holds the shared state across all pipeline steps.
type BatchState struct {
	BatchNumber int
	RunID       string
	CoinIDs     []string

	Transfers  []domain.TransferRecord
	Prices     []domain.PricePoint
	Reconciled []domain.PricedTransfer
	Records    []domain.ProfitRecord
	Excluded   []domain.PairKey

	Result *domain.BatchResult
}

// ResolvePlanStep looks up the batch's coins in the persisted plan.
type ResolvePlanStep struct {
	Plans warehouse.PlanStore
}

func (s *ResolvePlanStep) Execute(ctx context.Context, state *BatchState) error {
	plan, err := s.Plans.LoadPlan(ctx)
	if errors.Is(err, warehouse.ErrPlanNotFound) {
		return &domain.InputError{Reason: "no partition plan has been saved"}
	}
	if err != nil {
		return fmt.Errorf("ResolvePlanStep: failed to load plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return &domain.InputError{Reason: err.Error()}
	}

	coins, err := plan.CoinsFor(state.BatchNumber)
	if err != nil {
		return err
	}
	state.RunID = plan.RunID
	state.CoinIDs = coins
	return nil
}

// LoadTransfersStep loads the transfers of the batch's coins.
type LoadTransfersStep struct {
	Source warehouse.TransferSource
}

func (s *LoadTransfersStep) Execute(ctx context.Context, state *BatchState) error {
	transfers, err := s.Source.LoadTransfers(ctx, state.CoinIDs)
	if err != nil {
		return fmt.Errorf("LoadTransfersStep: %w", err)
	}
	state.Transfers = transfers
	return nil
}

// LoadPricesStep loads the prices of the batch's coins.
type LoadPricesStep struct {
	Source warehouse.PriceSource
}

func (s *LoadPricesStep) Execute(ctx context.Context, state *BatchState) error {
	prices, err := s.Source.LoadPrices(ctx, state.CoinIDs)
	if err != nil {
		return fmt.Errorf("LoadPricesStep: %w", err)
	}
	state.Prices = prices
	return nil
}

// ReconcileStep merges transfers with prices.
type ReconcileStep struct{}

func (s *ReconcileStep) Execute(ctx context.Context, state *BatchState) error {
	rows, err := profits.Reconcile(ctx, state.Transfers, state.Prices)
	if err != nil {
		return err
	}
	state.Reconciled = rows
	return nil
}

// CalculateStep computes profitability over the reconciled series.
type CalculateStep struct{}

func (s *CalculateStep) Execute(ctx context.Context, state *BatchState) error {
	records, err := profits.Calculate(ctx, state.Reconciled)
	if err != nil {
		return err
	}
	state.Records = records
	return nil
}

// ExcludeOverageStep drops wallets holding more than the coin's market cap.
type ExcludeOverageStep struct {
	MaxWallets int
}

func (s *ExcludeOverageStep) Execute(ctx context.Context, state *BatchState) error {
	caps := profits.MarketCaps(state.Prices)
	kept, excluded := profits.ExcludeOverageWallets(state.Records, caps, s.MaxWallets)
	if len(excluded) > 0 {
		log := logger.FromContext(ctx)
		log.Info().
			Int("excluded_pairs", len(excluded)).
			Int("excluded_rows", len(state.Records)-len(kept)).
			Msg("Excluded wallets holding more than market cap")
	}
	state.Records = kept
	state.Excluded = excluded
	return nil
}

// WriteArtifactStep writes the batch's records to its artifact.
type WriteArtifactStep struct {
	Artifacts warehouse.ArtifactStore
}

func (s *WriteArtifactStep) Execute(ctx context.Context, state *BatchState) error {
	result, err := s.Artifacts.WriteBatch(ctx, state.BatchNumber, state.Records)
	if err != nil {
		return fmt.Errorf("WriteArtifactStep: %w", err)
	}
	state.Result = &result
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *BatchState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Deps are the collaborators of the batch pipeline.
type Deps struct {
	Plans     warehouse.PlanStore
	Transfers warehouse.TransferSource
	Prices    warehouse.PriceSource
	Artifacts warehouse.ArtifactStore

	// ExcludeOverage enables the market cap filter with the given threshold.
	ExcludeOverage    bool
	OverageMaxWallets int
}

// NewBatchPipeline creates the standard batch pipeline.
func NewBatchPipeline(deps Deps) *Pipeline {
	steps := []PipelineStep{
		&ResolvePlanStep{Plans: deps.Plans},
		&LoadTransfersStep{Source: deps.Transfers},
		&LoadPricesStep{Source: deps.Prices},
		&ReconcileStep{},
		&CalculateStep{},
	}
	if deps.ExcludeOverage {
		maxWallets := deps.OverageMaxWallets
		if maxWallets <= 0 {
			maxWallets = profits.DefaultOverageMaxWallets
		}
		steps = append(steps, &ExcludeOverageStep{MaxWallets: maxWallets})
	}
	steps = append(steps, &WriteArtifactStep{Artifacts: deps.Artifacts})
	return NewPipeline(steps...)
}

// RunBatch computes one batch and returns its artifact description.
func (p *Pipeline) RunBatch(ctx context.Context, batchNumber int) (*domain.BatchResult, error) {
	state := &BatchState{BatchNumber: batchNumber}
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).With().Int("batch_number", batchNumber).Logger())

	if err := p.Execute(ctx, state); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("run_id", state.RunID).
		Int("coins", len(state.CoinIDs)).
		Int("transfers", len(state.Transfers)).
		Int("prices", len(state.Prices)).
		Int64("rows", state.Result.RowCount).
		Msg("Batch computed")

	return state.Result, nil
}
