package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamslabs/etl-pipelines/internal/jobs"
)

type batchKey struct {
	runID       string
	batchNumber int
}

// Store is an in-memory BatchStore keyed by (run ID, batch number). It is
// safe for concurrent use. Data is lost on restart; use the BigQuery ledger
// for a durable record.
type Store struct {
	mu      sync.RWMutex
	batches map[batchKey]*jobs.BatchJob
	now     func() time.Time
}

// NewStore creates a new in-memory batch store.
func NewStore() *Store {
	return &Store{
		batches: make(map[batchKey]*jobs.BatchJob),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// clone copies job including its timestamps so callers never share state
// with the store.
func clone(job *jobs.BatchJob) *jobs.BatchJob {
	c := *job
	if job.DispatchedAt != nil {
		t := *job.DispatchedAt
		c.DispatchedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// SaveBatch implements jobs.BatchStore.
func (s *Store) SaveBatch(ctx context.Context, job *jobs.BatchJob) error {
	if job.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	if job.BatchNumber < 0 {
		return fmt.Errorf("batch number must not be negative: %d", job.BatchNumber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := batchKey{job.RunID, job.BatchNumber}
	if existing, ok := s.batches[key]; ok {
		if err := jobs.CheckSave(job.BatchNumber, existing.Status, job.Status); err != nil {
			return err
		}
	}
	s.batches[key] = clone(job)

	return nil
}

// GetBatch implements the BatchStore interface.
func (s *Store) GetBatch(ctx context.Context, runID string, batchNumber int) (*jobs.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.batches[batchKey{runID, batchNumber}]
	if !exists {
		return nil, fmt.Errorf("run %s batch %d: %w", runID, batchNumber, jobs.ErrBatchNotFound)
	}

	return clone(job), nil
}

// ListBatches implements the BatchStore interface.
func (s *Store) ListBatches(ctx context.Context, filter jobs.BatchFilter) ([]*jobs.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*jobs.BatchJob

	for _, job := range s.batches {
		if filter.RunID != "" && job.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}

		result = append(result, clone(job))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].RunID != result[j].RunID {
			return result[i].RunID < result[j].RunID
		}
		return result[i].BatchNumber < result[j].BatchNumber
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.BatchJob{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// TransitionBatch implements jobs.BatchStore. Missing timestamps are
// stamped with the store clock.
func (s *Store) TransitionBatch(ctx context.Context, job *jobs.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batchKey{job.RunID, job.BatchNumber}
	current, exists := s.batches[key]
	if !exists {
		return fmt.Errorf("run %s batch %d: %w", job.RunID, job.BatchNumber, jobs.ErrBatchNotFound)
	}
	if !current.Status.CanTransition(job.Status) {
		return &jobs.InvalidTransitionError{BatchNumber: job.BatchNumber, From: current.Status, To: job.Status}
	}

	next := clone(job)
	next.JobID = current.JobID
	next.CreatedAt = current.CreatedAt
	now := s.now()
	if next.Status == jobs.BatchStatusDispatched && next.DispatchedAt == nil {
		next.DispatchedAt = &now
	}
	if next.Status.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	s.batches[key] = next

	return nil
}

var _ jobs.BatchStore = (*Store)(nil)
