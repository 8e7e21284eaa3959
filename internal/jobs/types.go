package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

// ErrBatchNotFound is returned by a BatchStore for an unknown batch.
var ErrBatchNotFound = errors.New("batch not found")

// BatchStatus represents the state of one batch within a run.
type BatchStatus string

const (
	// BatchStatusPending indicates the batch is waiting for a worker.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusDispatched indicates the batch was handed to an executor.
	BatchStatusDispatched BatchStatus = "dispatched"
	// BatchStatusSucceeded indicates the batch artifact was written.
	BatchStatusSucceeded BatchStatus = "succeeded"
	// BatchStatusFailed indicates every attempt failed or a permanent error occurred.
	BatchStatusFailed BatchStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusSucceeded || s == BatchStatusFailed
}

// CanTransition reports whether a batch may move from s to next.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusDispatched
	case BatchStatusDispatched:
		return next == BatchStatusSucceeded || next == BatchStatusFailed
	default:
		return false
	}
}

// RunState represents the state of a whole rebuild run.
type RunState string

const (
	RunStatePartitioning RunState = "partitioning"
	RunStateComputing    RunState = "computing"
	RunStateAllSucceeded RunState = "all_succeeded"
	RunStateAggregating  RunState = "aggregating"
	RunStatePublished    RunState = "published"
	RunStateAborted      RunState = "aborted"
)

// CanTransition reports whether a run may move from s to next. Any
// non-terminal state may abort.
func (s RunState) CanTransition(next RunState) bool {
	if next == RunStateAborted {
		return s != RunStatePublished && s != RunStateAborted
	}
	switch s {
	case RunStatePartitioning:
		return next == RunStateComputing
	case RunStateComputing:
		return next == RunStateAllSucceeded
	case RunStateAllSucceeded:
		return next == RunStateAggregating
	case RunStateAggregating:
		return next == RunStatePublished
	default:
		return false
	}
}

// BatchJob is the ledger entry of one batch within a run.
type BatchJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// RunID identifies the rebuild run the batch belongs to.
	RunID string `json:"run_id"`

	// BatchNumber is the batch's position in the partition plan.
	BatchNumber int `json:"batch_number"`

	// CoinCount is the number of coins assigned to the batch.
	CoinCount int `json:"coin_count"`

	// Status is the current status of the batch.
	Status BatchStatus `json:"status"`

	// ArtifactURI locates the batch's intermediate result once succeeded.
	ArtifactURI string `json:"artifact_uri,omitempty"`

	// RowCount is the number of profit records in the artifact.
	RowCount int64 `json:"row_count"`

	// Attempts is the number of executor calls made for the batch.
	Attempts int `json:"attempts"`

	// Error contains error details if the batch failed.
	Error string `json:"error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Result returns the artifact description of a succeeded batch.
func (j *BatchJob) Result() domain.BatchResult {
	return domain.BatchResult{
		BatchNumber: j.BatchNumber,
		RowCount:    j.RowCount,
		ArtifactURI: j.ArtifactURI,
	}
}

// BatchHandler computes one batch. It may record Attempts on job; the
// pool records status, timestamps and the result.
type BatchHandler func(ctx context.Context, job *BatchJob) (*domain.BatchResult, error)

// BatchStore records batch state so the completeness gate can be evaluated
// from the ledger rather than from in-process bookkeeping. Both writes
// enforce the batch state machine.
type BatchStore interface {
	// SaveBatch records a new batch. An existing batch may only be saved
	// again as pending while it is still pending.
	SaveBatch(ctx context.Context, job *BatchJob) error

	// GetBatch retrieves a batch of a run by number.
	GetBatch(ctx context.Context, runID string, batchNumber int) (*BatchJob, error)

	// ListBatches retrieves batches with optional filtering, ordered by
	// batch number.
	ListBatches(ctx context.Context, filter BatchFilter) ([]*BatchJob, error)

	// TransitionBatch moves the stored batch to job.Status and persists the
	// attempts, result, error and timestamps carried by job. It returns an
	// *InvalidTransitionError when the stored status cannot move there.
	TransitionBatch(ctx context.Context, job *BatchJob) error
}

// BatchFilter defines filtering criteria for listing batches.
type BatchFilter struct {
	// RunID filters batches by run.
	RunID string

	// Status filters batches by status.
	Status BatchStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

// InvalidTransitionError is returned when a status change violates the
// batch state machine.
type InvalidTransitionError struct {
	BatchNumber int
	From, To    BatchStatus
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "unknown"
	}
	return fmt.Sprintf("batch %d: invalid status transition %s -> %s", e.BatchNumber, from, e.To)
}

// Retryable reports false: the stored state will not change by retrying.
func (e *InvalidTransitionError) Retryable() bool { return false }

// CheckSave returns an *InvalidTransitionError unless a batch stored with
// status from may be overwritten with status to.
func CheckSave(batchNumber int, from, to BatchStatus) error {
	if from == BatchStatusPending && to == BatchStatusPending {
		return nil
	}
	if from.CanTransition(to) {
		return nil
	}
	return &InvalidTransitionError{BatchNumber: batchNumber, From: from, To: to}
}

// MissingBatches returns the batch numbers in [0, batchCount) that have no
// succeeded entry in jobs.
func MissingBatches(batchCount int, jobs []*BatchJob) []int {
	succeeded := make(map[int]bool, len(jobs))
	for _, j := range jobs {
		if j.Status == BatchStatusSucceeded {
			succeeded[j.BatchNumber] = true
		}
	}
	var missing []int
	for n := 0; n < batchCount; n++ {
		if !succeeded[n] {
			missing = append(missing, n)
		}
	}
	return missing
}
