package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/executor"
	"github.com/dreamslabs/etl-pipelines/internal/infra/memory"
	"github.com/dreamslabs/etl-pipelines/internal/jobs"
	jobsmem "github.com/dreamslabs/etl-pipelines/internal/jobs/inmemory"
	"github.com/dreamslabs/etl-pipelines/internal/metrics"
	"github.com/dreamslabs/etl-pipelines/internal/pipeline"
	"github.com/dreamslabs/etl-pipelines/internal/retry"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

func day(n int) time.Time {
	return time.Date(2024, time.May, n, 0, 0, 0, 0, time.UTC)
}

// fixture has three eligible coins and one coin without prices.
func fixture() *memory.Sources {
	var s memory.Sources
	for _, coin := range []string{"alpha", "beta", "gamma"} {
		s.Transfers = append(s.Transfers,
			domain.TransferRecord{CoinID: coin, WalletAddress: "w1", Date: day(1), NetTransfers: 10, Balance: 10},
			domain.TransferRecord{CoinID: coin, WalletAddress: "w1", Date: day(2), NetTransfers: 5, Balance: 15},
		)
		s.Prices = append(s.Prices,
			domain.PricePoint{CoinID: coin, Date: day(1), Price: 1},
			domain.PricePoint{CoinID: coin, Date: day(2), Price: 2},
		)
	}
	s.Transfers = append(s.Transfers, domain.TransferRecord{CoinID: "unpriced", WalletAddress: "w1", Date: day(1), NetTransfers: 1, Balance: 1})
	return &s
}

type executorFunc func(ctx context.Context, batchNumber int) (*domain.BatchResult, error)

func (f executorFunc) Submit(ctx context.Context, batchNumber int) (*domain.BatchResult, error) {
	return f(ctx, batchNumber)
}

type harness struct {
	sources   *memory.Sources
	plans     *memory.Plans
	artifacts *memory.Artifacts
	table     *memory.Table
	ledger    *jobsmem.Store
	local     *executor.Local
	metrics   *metrics.Metrics
	opts      Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sources:   fixture(),
		plans:     &memory.Plans{},
		artifacts: memory.NewArtifacts(),
		ledger:    jobsmem.NewStore(),
	}
	h.table = memory.NewTable(h.artifacts)
	h.local = executor.NewLocal(pipeline.NewBatchPipeline(pipeline.Deps{
		Plans:     h.plans,
		Transfers: h.sources,
		Prices:    h.sources,
		Artifacts: h.artifacts,
	}))
	reg := prometheus.NewRegistry()
	h.metrics = metrics.New(reg, reg)
	h.opts = Options{
		Universe:  h.sources,
		Plans:     h.plans,
		Artifacts: h.artifacts,
		Publisher: h.table,
		Executor:  h.local,
		Ledger:    h.ledger,
		Retry:     retry.Policy{MaxAttempts: 3, Multiplier: 1},
		Metrics:   h.metrics,
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.opts)
	require.NoError(t, err)
	return o
}

func TestRun_Publishes(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: 1, MaxWorkers: 2})
	require.NoError(t, err)

	assert.Equal(t, jobs.RunStatePublished, result.State)
	assert.Equal(t, 3, result.TotalBatches)
	assert.Empty(t, result.FailedBatches)
	assert.Equal(t, int64(6), result.RowsPublished)
	assert.Len(t, h.table.Rows(), 6)
	assert.Equal(t, 1, h.table.Publishes())

	remaining, err := h.artifacts.ListBatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = h.plans.LoadPlan(context.Background())
	assert.ErrorIs(t, err, warehouse.ErrPlanNotFound)

	entries, err := h.ledger.ListBatches(context.Background(), jobs.BatchFilter{RunID: result.RunID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, jobs.BatchStatusSucceeded, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.Equal(t, 1, e.CoinCount)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("published")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.BatchesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 6.0, testutil.ToFloat64(h.metrics.RowsPublished))
}

func TestRun_CompletenessGate(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	calls := map[int]int{}
	h.opts.Executor = executorFunc(func(ctx context.Context, n int) (*domain.BatchResult, error) {
		mu.Lock()
		calls[n]++
		mu.Unlock()
		if n == 2 {
			return nil, &domain.BatchComputeError{BatchNumber: n, Err: errors.New("worker timeout")}
		}
		return h.local.Submit(ctx, n)
	})

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: 1, MaxWorkers: 3})

	var completeness *domain.CompletenessError
	require.ErrorAs(t, err, &completeness)
	assert.Equal(t, []int{2}, completeness.Missing)
	assert.Equal(t, 3, completeness.BatchCount)

	require.NotNil(t, result)
	assert.Equal(t, jobs.RunStateAborted, result.State)
	assert.Equal(t, []int{2}, result.FailedBatches)
	assert.Equal(t, 0, h.table.Publishes(), "aggregation must not run")

	assert.Equal(t, 3, calls[2], "transient failures are retried up to max attempts")
	assert.Equal(t, 1, calls[0])

	failed, err := h.ledger.GetBatch(context.Background(), result.RunID, 2)
	require.NoError(t, err)
	assert.Equal(t, jobs.BatchStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.Error, "worker timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("aborted")))
}

func TestRun_RetriesTransientFailure(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	failedOnce := false
	h.opts.Executor = executorFunc(func(ctx context.Context, n int) (*domain.BatchResult, error) {
		mu.Lock()
		first := n == 1 && !failedOnce
		if first {
			failedOnce = true
		}
		mu.Unlock()
		if first {
			return nil, &domain.BatchComputeError{BatchNumber: n, Err: errors.New("connection reset")}
		}
		return h.local.Submit(ctx, n)
	})

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: 1, MaxWorkers: 1})
	require.NoError(t, err)
	assert.Equal(t, jobs.RunStatePublished, result.State)

	entry, err := h.ledger.GetBatch(context.Background(), result.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)
}

func TestRun_PermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	calls := 0
	h.opts.Executor = executorFunc(func(ctx context.Context, n int) (*domain.BatchResult, error) {
		if n == 0 {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, &domain.BatchComputeError{BatchNumber: n, Err: &domain.DataIntegrityError{Reason: "null price"}}
		}
		return h.local.Submit(ctx, n)
	})

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: 2})
	var completeness *domain.CompletenessError
	require.ErrorAs(t, err, &completeness)
	assert.Equal(t, []int{0}, result.FailedBatches)
	assert.Equal(t, 1, calls)
}

func TestRun_NoEligibleCoins(t *testing.T) {
	h := newHarness(t)
	h.sources.Prices = nil

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, domain.ErrNoEligibleCoins)
	require.NotNil(t, result)
	assert.Equal(t, jobs.RunStateAborted, result.State)
	assert.Equal(t, DefaultBatchSize, result.BatchSize)
	assert.Equal(t, DefaultMaxWorkers, result.MaxWorkers)
	assert.Equal(t, 0, h.table.Publishes())
}

func TestRun_RetainsArtifactsAndPurgesStale(t *testing.T) {
	h := newHarness(t)
	h.opts.RetainArtifacts = true

	_, err := h.artifacts.WriteBatch(context.Background(), 9, []domain.ProfitRecord{{CoinID: "stale"}})
	require.NoError(t, err)

	_, err = h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: 2})
	require.NoError(t, err)

	remaining, err := h.artifacts.ListBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, remaining)

	for _, r := range h.table.Rows() {
		assert.NotEqual(t, "stale", r.CoinID)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: -1})
	var inputErr *domain.InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Nil(t, result)
}

func TestRun_AppliesDefaults(t *testing.T) {
	h := newHarness(t)
	h.opts.Defaults = RunRequest{BatchSize: 2}

	result, err := h.orchestrator(t).Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.BatchSize)
	assert.Equal(t, DefaultMaxWorkers, result.MaxWorkers)
	assert.Equal(t, 2, result.TotalBatches)

	result, err = h.orchestrator(t).Run(context.Background(), RunRequest{BatchSize: 1, MaxWorkers: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalBatches)
	assert.Equal(t, 1, result.MaxWorkers)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.opts.Executor = executorFunc(func(ctx context.Context, n int) (*domain.BatchResult, error) {
		started <- struct{}{}
		<-release
		return h.local.Submit(ctx, n)
	})
	o := h.orchestrator(t)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), RunRequest{BatchSize: 3, MaxWorkers: 1})
		done <- err
	}()

	<-started
	_, err := o.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.ErrorIs(t, o.Cleanup(context.Background()), ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	opts := h.opts
	opts.Publisher = nil
	_, err := New(opts)
	assert.Error(t, err)

	opts = h.opts
	opts.Retry = retry.Policy{}
	_, err = New(opts)
	assert.Error(t, err)
}
