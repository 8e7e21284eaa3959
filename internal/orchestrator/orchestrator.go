// Package orchestrator runs a full rebuild of the profits table: partition
// the coin universe, compute every batch on a bounded pool, verify that all
// batches succeeded, publish the union and clean up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamslabs/etl-pipelines/internal/batch"
	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/executor"
	"github.com/dreamslabs/etl-pipelines/internal/jobs"
	"github.com/dreamslabs/etl-pipelines/internal/jobs/inmemory"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/metrics"
	"github.com/dreamslabs/etl-pipelines/internal/retry"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// Defaults for a run request.
const (
	DefaultBatchSize  = batch.DefaultSize
	DefaultMaxWorkers = 4
)

// ErrRunInProgress is returned when Run is called while another run holds
// the shared plan and artifacts.
var ErrRunInProgress = errors.New("a rebuild is already running")

// Options are the collaborators of an Orchestrator.
type Options struct {
	Universe  warehouse.CoinUniverse
	Plans     warehouse.PlanStore
	Artifacts warehouse.ArtifactStore
	Publisher warehouse.Publisher
	Executor  executor.BatchExecutor
	Ledger    jobs.BatchStore

	Retry retry.Policy

	// Defaults fill zero fields of a RunRequest. Zero defaults fall back to
	// DefaultBatchSize and DefaultMaxWorkers.
	Defaults RunRequest

	// RetainArtifacts skips artifact deletion after a successful publish.
	RetainArtifacts bool

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// RunRequest holds the parameters of one run.
type RunRequest struct {
	BatchSize  int `json:"batch_size"`
	MaxWorkers int `json:"max_workers"`
}

// RunResult summarizes a run. FailedBatches lists every batch that did not
// reach SUCCEEDED, in ascending order.
type RunResult struct {
	RunID         string        `json:"run_id"`
	State         jobs.RunState `json:"state"`
	BatchSize     int           `json:"batch_size"`
	MaxWorkers    int           `json:"max_workers"`
	TotalBatches  int           `json:"total_batches"`
	FailedBatches []int         `json:"failed_batches"`
	RowsPublished int64         `json:"rows_published"`
	Duration      time.Duration `json:"-"`
}

// Orchestrator coordinates rebuild runs. Only one run executes at a time.
type Orchestrator struct {
	opts    Options
	running sync.Mutex
}

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Universe == nil:
		return nil, fmt.Errorf("orchestrator.New: coin universe is required")
	case opts.Plans == nil:
		return nil, fmt.Errorf("orchestrator.New: plan store is required")
	case opts.Artifacts == nil:
		return nil, fmt.Errorf("orchestrator.New: artifact store is required")
	case opts.Publisher == nil:
		return nil, fmt.Errorf("orchestrator.New: publisher is required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("orchestrator.New: executor is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("orchestrator.New: batch ledger is required")
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator.New: %w", err)
	}
	return &Orchestrator{opts: opts}, nil
}

// Run executes one rebuild. The returned result is non-nil once the request
// has been accepted, including when the run aborts; err explains the abort.
// A *domain.CompletenessError reports missing batches.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	req = o.withDefaults(req)
	if req.BatchSize < 0 || req.MaxWorkers < 0 {
		return nil, &domain.InputError{
			Reason: fmt.Sprintf("batch_size and max_workers must be positive, got %d and %d", req.BatchSize, req.MaxWorkers),
		}
	}

	if !o.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()

	r := &run{
		o: o,
		result: &RunResult{
			RunID:         uuid.New().String(),
			State:         jobs.RunStatePartitioning,
			BatchSize:     req.BatchSize,
			MaxWorkers:    req.MaxWorkers,
			FailedBatches: []int{},
		},
		start: time.Now(),
	}
	r.log = logger.FromContext(ctx).With().Str("run_id", r.result.RunID).Logger()
	ctx = logger.WithContext(ctx, r.log)

	r.log.Info().
		Int("batch_size", req.BatchSize).
		Int("max_workers", req.MaxWorkers).
		Msg("Beginning rebuild of wallet profits")

	err := r.execute(ctx)
	r.result.Duration = time.Since(r.start)
	if err != nil {
		r.abort(err)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.RunsTotal.WithLabelValues(string(r.result.State)).Inc()
	}
	return r.result, err
}

// run carries the state of a single Run call.
type run struct {
	o      *Orchestrator
	result *RunResult
	log    zerolog.Logger
	start  time.Time
}

func (r *run) execute(ctx context.Context) error {
	plan, err := r.partition(ctx)
	if err != nil {
		return err
	}
	r.result.TotalBatches = plan.BatchCount()

	r.advance(jobs.RunStateComputing)
	if err := r.compute(ctx, plan); err != nil {
		return err
	}

	succeeded, err := r.verify(ctx, plan.BatchCount())
	if err != nil {
		return err
	}
	r.advance(jobs.RunStateAllSucceeded)

	r.advance(jobs.RunStateAggregating)
	rows, err := r.o.opts.Publisher.Publish(ctx, succeeded)
	if err != nil {
		return fmt.Errorf("Run: failed to publish: %w", err)
	}
	r.result.RowsPublished = rows
	if r.o.opts.Metrics != nil {
		r.o.opts.Metrics.RowsPublished.Set(float64(rows))
	}
	r.advance(jobs.RunStatePublished)

	if r.o.opts.RetainArtifacts {
		r.log.Info().Msg("Retaining batch artifacts")
	} else {
		r.o.purge(ctx, r.log)
	}

	r.log.Info().
		Int("total_batches", r.result.TotalBatches).
		Int64("rows_published", rows).
		Dur("duration", time.Since(r.start)).
		Msg("Rebuild of wallet profits complete")
	return nil
}

// partition clears leftovers of previous runs, builds the plan and persists
// it for the workers.
func (r *run) partition(ctx context.Context) (*batch.Plan, error) {
	r.o.purge(ctx, r.log)

	coins, err := r.o.opts.Universe.ListEligibleCoins(ctx)
	if err != nil {
		return nil, fmt.Errorf("Run: failed to list eligible coins: %w", err)
	}

	plan, err := batch.Partition(coins, r.result.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	plan.RunID = r.result.RunID

	if err := r.o.opts.Plans.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("Run: failed to save plan: %w", err)
	}

	r.log.Info().
		Int("coins", plan.CoinCount()).
		Int("total_batches", plan.BatchCount()).
		Str("fingerprint", plan.Fingerprint).
		Msg("Assigned coins to batches")
	return plan, nil
}

// compute dispatches every batch and waits for all of them, regardless of
// individual failures.
func (r *run) compute(ctx context.Context, plan *batch.Plan) error {
	workers := r.result.MaxWorkers
	if workers > plan.BatchCount() {
		workers = plan.BatchCount()
	}

	pool, err := inmemory.NewPool(workers, r.o.opts.Ledger, inmemory.WithStoreRetry(r.o.opts.Retry))
	if err != nil {
		return fmt.Errorf("Run: %w", err)
	}
	if err := pool.Start(ctx, r.handleBatch); err != nil {
		return fmt.Errorf("Run: failed to start pool: %w", err)
	}

	for n := 0; n < plan.BatchCount(); n++ {
		job := &jobs.BatchJob{
			RunID:       r.result.RunID,
			BatchNumber: n,
			CoinCount:   len(plan.Batches[n]),
		}
		if err := pool.Submit(ctx, job); err != nil {
			r.log.Error().Err(err).Int("batch_number", n).Msg("Failed to submit batch")
			break
		}
	}

	// In-flight batches always run to completion.
	if err := pool.Stop(context.Background()); err != nil {
		return fmt.Errorf("Run: failed to drain pool: %w", err)
	}
	return nil
}

// handleBatch runs one batch through the executor under the retry policy.
func (r *run) handleBatch(ctx context.Context, job *jobs.BatchJob) (*domain.BatchResult, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	var result *domain.BatchResult
	attempts, err := r.o.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		job.Attempts = attempt
		res, err := r.o.opts.Executor.Submit(ctx, job.BatchNumber)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Batch attempt failed, retrying")
	})
	job.Attempts = attempts

	if r.o.opts.Metrics != nil {
		status := jobs.BatchStatusSucceeded
		if err != nil {
			status = jobs.BatchStatusFailed
		}
		r.o.opts.Metrics.ObserveBatch(string(status), attempts, time.Since(start))
	}

	if err != nil {
		var computeErr *domain.BatchComputeError
		if errors.As(err, &computeErr) {
			computeErr.Attempts = attempts
			return nil, computeErr
		}
		return nil, &domain.BatchComputeError{BatchNumber: job.BatchNumber, Attempts: attempts, Err: err}
	}
	return result, nil
}

// verify is the completeness gate: every batch of the plan must have a
// succeeded ledger entry for this run.
func (r *run) verify(ctx context.Context, batchCount int) ([]domain.BatchResult, error) {
	entries, err := r.o.opts.Ledger.ListBatches(ctx, jobs.BatchFilter{RunID: r.result.RunID})
	if err != nil {
		return nil, fmt.Errorf("Run: failed to read batch ledger: %w", err)
	}

	missing := jobs.MissingBatches(batchCount, entries)
	if len(missing) > 0 {
		r.result.FailedBatches = missing
		return nil, domain.NewCompletenessError(batchCount, missing)
	}

	results := make([]domain.BatchResult, 0, batchCount)
	for _, e := range entries {
		if e.Status == jobs.BatchStatusSucceeded && e.BatchNumber < batchCount {
			results = append(results, e.Result())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].BatchNumber < results[j].BatchNumber })
	return results, nil
}

func (r *run) advance(next jobs.RunState) {
	if !r.result.State.CanTransition(next) {
		r.log.Error().
			Str("from", string(r.result.State)).
			Str("to", string(next)).
			Msg("Invalid run state transition")
		return
	}
	r.log.Debug().Str("from", string(r.result.State)).Str("to", string(next)).Msg("Run state changed")
	r.result.State = next
}

func (r *run) abort(err error) {
	r.advance(jobs.RunStateAborted)

	event := r.log.Error().Err(err)
	if len(r.result.FailedBatches) > 0 {
		event = event.Ints("failed_batches", r.result.FailedBatches)
	}
	event.Msg("Rebuild of wallet profits aborted")
}

func (o *Orchestrator) withDefaults(req RunRequest) RunRequest {
	if req.BatchSize == 0 {
		req.BatchSize = o.opts.Defaults.BatchSize
	}
	if req.BatchSize == 0 {
		req.BatchSize = DefaultBatchSize
	}
	if req.MaxWorkers == 0 {
		req.MaxWorkers = o.opts.Defaults.MaxWorkers
	}
	if req.MaxWorkers == 0 {
		req.MaxWorkers = DefaultMaxWorkers
	}
	return req
}

// Cleanup deletes every batch artifact and the persisted plan.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	if !o.running.TryLock() {
		return ErrRunInProgress
	}
	defer o.running.Unlock()

	return o.deleteArtifacts(ctx)
}

// purge is Cleanup for use inside a run; failures are logged, not returned.
func (o *Orchestrator) purge(ctx context.Context, log zerolog.Logger) {
	if err := o.deleteArtifacts(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to purge batch artifacts")
	}
}

func (o *Orchestrator) deleteArtifacts(ctx context.Context) error {
	numbers, err := o.opts.Artifacts.ListBatches(ctx)
	if err != nil {
		return fmt.Errorf("Cleanup: failed to list artifacts: %w", err)
	}

	var errs []error
	for _, n := range numbers {
		if err := o.opts.Artifacts.DeleteBatch(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", n, err))
		}
	}
	if err := o.opts.Plans.DeletePlan(ctx); err != nil && !errors.Is(err, warehouse.ErrPlanNotFound) {
		errs = append(errs, fmt.Errorf("plan: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("Cleanup: %w", errors.Join(errs...))
	}
	log := logger.FromContext(ctx)
	log.Debug().Int("artifacts", len(numbers)).Msg("Deleted batch artifacts")
	return nil
}
