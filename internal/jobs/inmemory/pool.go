package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/jobs"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/retry"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("pool is closed")

// Pool runs batch jobs on a fixed number of worker goroutines and records
// every state transition in a BatchStore. A failing job never affects its
// siblings, and Stop drains every submitted job before returning.
type Pool struct {
	workers int
	jobChan chan *jobs.BatchJob
	wg      sync.WaitGroup
	mu      sync.RWMutex
	store   jobs.BatchStore
	writes  retry.Policy
	started bool
	closed  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithStoreRetry retries failed store writes under policy. By default a
// write is attempted once.
func WithStoreRetry(policy retry.Policy) PoolOption {
	return func(p *Pool) {
		p.writes = policy
	}
}

// NewPool creates a pool with the given number of concurrent workers.
func NewPool(workers int, store jobs.BatchStore, opts ...PoolOption) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("NewPool: workers must be positive, got %d", workers)
	}
	if store == nil {
		return nil, fmt.Errorf("NewPool: store is required")
	}
	p := &Pool{
		workers: workers,
		jobChan: make(chan *jobs.BatchJob, workers),
		store:   store,
		writes:  retry.Policy{MaxAttempts: 1, Multiplier: 1},
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.writes.Validate(); err != nil {
		return nil, fmt.Errorf("NewPool: %w", err)
	}
	return p, nil
}

// Start launches the workers. handler is called concurrently, at most
// workers at a time.
func (p *Pool) Start(ctx context.Context, handler jobs.BatchHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, handler)
	}

	return nil
}

// Submit records job as pending and enqueues it. It blocks while all
// workers are busy and the buffer is full.
func (p *Pool) Submit(ctx context.Context, job *jobs.BatchJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if !p.started {
		return fmt.Errorf("pool not started")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	job.Status = jobs.BatchStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	err := p.write(ctx, "save", job, func(ctx context.Context) error {
		return p.store.SaveBatch(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("failed to save batch %d: %w", job.BatchNumber, err)
	}

	select {
	case p.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the pool to new jobs and waits until every submitted job has
// finished or ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, handler jobs.BatchHandler) {
	defer p.wg.Done()

	for job := range p.jobChan {
		p.processJob(ctx, job, handler)
	}
}

// processJob moves a job through DISPATCHED to SUCCEEDED or FAILED. A job
// whose dispatch cannot be recorded is not run: its ledger entry stays
// pending and the run reports it missing.
func (p *Pool) processJob(ctx context.Context, job *jobs.BatchJob, handler jobs.BatchHandler) {
	log := logger.FromContext(ctx).With().
		Str("run_id", job.RunID).
		Int("batch_number", job.BatchNumber).
		Logger()
	ctx = logger.WithContext(ctx, log)

	job.Status = jobs.BatchStatusDispatched
	now := time.Now().UTC()
	job.DispatchedAt = &now
	if err := p.transition(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to record dispatched batch, not running it")
		return
	}

	result, err := p.run(ctx, job, handler)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	if err != nil {
		job.Status = jobs.BatchStatusFailed
		job.Error = err.Error()
		var computeErr *domain.BatchComputeError
		if errors.As(err, &computeErr) && computeErr.Attempts > job.Attempts {
			job.Attempts = computeErr.Attempts
		}
		log.Error().Err(err).Int("attempts", job.Attempts).Msg("Batch failed")
	} else {
		job.Status = jobs.BatchStatusSucceeded
		job.Error = ""
		job.RowCount = result.RowCount
		job.ArtifactURI = result.ArtifactURI
		log.Info().
			Int64("row_count", result.RowCount).
			Int("attempts", job.Attempts).
			Dur("duration", completedAt.Sub(now)).
			Msg("Batch succeeded")
	}

	if err := p.transition(ctx, job); err != nil {
		log.Error().Err(err).Str("status", string(job.Status)).Msg("Failed to record batch outcome")
	}
}

// transition records job's status. A retried write that finds the batch
// already in the target state was applied by an earlier attempt.
func (p *Pool) transition(ctx context.Context, job *jobs.BatchJob) error {
	return p.write(ctx, "transition", job, func(ctx context.Context) error {
		err := p.store.TransitionBatch(ctx, job)
		var invalid *jobs.InvalidTransitionError
		if errors.As(err, &invalid) && invalid.From == job.Status {
			return nil
		}
		return err
	})
}

func (p *Pool) write(ctx context.Context, op string, job *jobs.BatchJob, fn func(ctx context.Context) error) error {
	log := logger.FromContext(ctx)
	_, err := p.writes.Do(ctx, func(ctx context.Context, attempt int) error {
		return fn(ctx)
	}, func(err error, attempt int, wait time.Duration) {
		log.Warn().Err(err).
			Str("op", op).
			Str("status", string(job.Status)).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Ledger write failed, retrying")
	})
	return err
}

// run invokes handler, converting a panic or a nil result into an error.
func (p *Pool) run(ctx context.Context, job *jobs.BatchJob, handler jobs.BatchHandler) (result *domain.BatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.BatchComputeError{BatchNumber: job.BatchNumber, Err: fmt.Errorf("panic: %v", r), Permanent: true}
		}
	}()

	result, err = handler(ctx, job)
	if err == nil && result == nil {
		err = &domain.BatchComputeError{BatchNumber: job.BatchNumber, Err: errors.New("handler returned no result")}
	}
	return result, err
}
