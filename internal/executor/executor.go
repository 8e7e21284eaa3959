// Package executor dispatches a single batch to a computation unit, either
// in-process or on a remote stateless worker.
package executor

import (
	"context"
	"errors"
	"net/http"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

// BatchExecutor computes one batch and returns its artifact description.
// Failures are returned as *domain.BatchComputeError.
type BatchExecutor interface {
	Submit(ctx context.Context, batchNumber int) (*domain.BatchResult, error)
}

// BatchRunner is satisfied by *pipeline.Pipeline.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchNumber int) (*domain.BatchResult, error)
}

// Error kinds reported by a worker.
const (
	KindInput         = "input"
	KindDataIntegrity = "data_integrity"
	KindCompute       = "compute"
)

// BatchRequest is the body of a worker call.
type BatchRequest struct {
	BatchNumber *int `json:"batch_number"`
}

// ErrorResponse is the body of a failed worker call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Classify maps a batch failure to the worker's HTTP status and error kind.
// Input and integrity errors are permanent and reported as 422.
func Classify(err error) (int, string) {
	var input *domain.InputError
	var integrity *domain.DataIntegrityError
	switch {
	case errors.As(err, &input):
		return http.StatusUnprocessableEntity, KindInput
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity, KindDataIntegrity
	default:
		return http.StatusInternalServerError, KindCompute
	}
}

// Local runs batches in the calling process.
type Local struct {
	runner BatchRunner
}

// NewLocal returns an executor backed by runner.
func NewLocal(runner BatchRunner) *Local {
	return &Local{runner: runner}
}

// Submit implements BatchExecutor.
func (l *Local) Submit(ctx context.Context, batchNumber int) (*domain.BatchResult, error) {
	result, err := l.runner.RunBatch(ctx, batchNumber)
	if err != nil {
		return nil, &domain.BatchComputeError{BatchNumber: batchNumber, Err: err}
	}
	return result, nil
}

var _ BatchExecutor = (*Local)(nil)
