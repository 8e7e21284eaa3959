package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/executor"
	"github.com/dreamslabs/etl-pipelines/internal/jobs"
	"github.com/dreamslabs/etl-pipelines/internal/orchestrator"
)

// MockRebuilder is a mock implementation of Rebuilder for testing.
type MockRebuilder struct {
	RunFunc     func(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
	CleanupFunc func(ctx context.Context) error

	lastRequest orchestrator.RunRequest
}

func (m *MockRebuilder) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	m.lastRequest = req
	if m.RunFunc != nil {
		return m.RunFunc(ctx, req)
	}
	return &orchestrator.RunResult{RunID: "run-1", State: jobs.RunStatePublished, BatchSize: req.BatchSize, MaxWorkers: req.MaxWorkers, FailedBatches: []int{}}, nil
}

func (m *MockRebuilder) Cleanup(ctx context.Context) error {
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx)
	}
	return nil
}

// MockRunner is a mock implementation of executor.BatchRunner for testing.
type MockRunner struct {
	RunBatchFunc func(ctx context.Context, batchNumber int) (*domain.BatchResult, error)
}

func (m *MockRunner) RunBatch(ctx context.Context, batchNumber int) (*domain.BatchResult, error) {
	return m.RunBatchFunc(ctx, batchNumber)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRebuild_Complete(t *testing.T) {
	mock := &MockRebuilder{
		RunFunc: func(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
			return &orchestrator.RunResult{
				RunID:         "run-1",
				State:         jobs.RunStatePublished,
				BatchSize:     req.BatchSize,
				MaxWorkers:    req.MaxWorkers,
				TotalBatches:  3,
				FailedBatches: []int{},
				RowsPublished: 42,
			}, nil
		},
	}
	h := NewRebuildHandler(mock, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/rebuild?batch_size=50", strings.NewReader(`{"batch_size":10,"max_workers":8}`))
	rec := httptest.NewRecorder()
	h.Rebuild(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, mock.lastRequest.BatchSize)
	assert.Equal(t, 8, mock.lastRequest.MaxWorkers)

	body := decode(t, rec)
	assert.Equal(t, StatusComplete, body["status"])
	assert.Equal(t, float64(3), body["total_batches"])
	assert.Equal(t, float64(42), body["rows_published"])
	assert.Equal(t, []any{}, body["failed_batches"])
	assert.NotContains(t, body, "error")
}

func TestRebuild_EmptyBodyUsesDefaults(t *testing.T) {
	mock := &MockRebuilder{}
	h := NewRebuildHandler(mock, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Rebuild(rec, httptest.NewRequest(http.MethodPost, "/rebuild", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.RunRequest{}, mock.lastRequest)
}

func TestRebuild_Aborted(t *testing.T) {
	mock := &MockRebuilder{
		RunFunc: func(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
			return &orchestrator.RunResult{
				RunID:         "run-1",
				State:         jobs.RunStateAborted,
				TotalBatches:  4,
				FailedBatches: []int{1, 3},
			}, domain.NewCompletenessError(4, []int{1, 3})
		},
	}
	h := NewRebuildHandler(mock, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Rebuild(rec, httptest.NewRequest(http.MethodPost, "/rebuild", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, StatusAborted, body["status"])
	assert.Equal(t, []any{float64(1), float64(3)}, body["failed_batches"])
	assert.NotEmpty(t, body["error"])
}

func TestRebuild_Errors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		runErr     error
		wantStatus int
	}{
		{name: "malformed body", target: "/rebuild", body: "{", wantStatus: http.StatusBadRequest},
		{name: "non-integer query", target: "/rebuild?max_workers=many", wantStatus: http.StatusBadRequest},
		{name: "negative size", target: "/rebuild?batch_size=-1", wantStatus: http.StatusBadRequest},
		{name: "input error", target: "/rebuild", runErr: &domain.InputError{Reason: "bad"}, wantStatus: http.StatusBadRequest},
		{name: "run in progress", target: "/rebuild", runErr: orchestrator.ErrRunInProgress, wantStatus: http.StatusConflict},
		{name: "unexpected", target: "/rebuild", runErr: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockRebuilder{
				RunFunc: func(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
					return nil, tt.runErr
				},
			}
			h := NewRebuildHandler(mock, zerolog.Nop())

			rec := httptest.NewRecorder()
			h.Rebuild(rec, httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestCleanup(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"ok", nil, http.StatusOK},
		{"busy", orchestrator.ErrRunInProgress, http.StatusConflict},
		{"failure", errors.New("bucket gone"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRebuildHandler(&MockRebuilder{CleanupFunc: func(context.Context) error { return tt.err }}, zerolog.Nop())
			rec := httptest.NewRecorder()
			h.Cleanup(rec, httptest.NewRequest(http.MethodPost, "/cleanup", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestComputeBatch(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		runErr     error
		wantStatus int
		wantKind   string
	}{
		{name: "success", body: `{"batch_number":2}`, wantStatus: http.StatusOK},
		{name: "missing batch number", body: `{}`, wantStatus: http.StatusBadRequest, wantKind: executor.KindInput},
		{name: "negative batch number", body: `{"batch_number":-1}`, wantStatus: http.StatusBadRequest, wantKind: executor.KindInput},
		{name: "malformed", body: `nope`, wantStatus: http.StatusBadRequest, wantKind: executor.KindInput},
		{
			name:       "input error",
			body:       `{"batch_number":2}`,
			runErr:     &domain.InputError{Reason: "batch 2 outside plan"},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   executor.KindInput,
		},
		{
			name:       "integrity error",
			body:       `{"batch_number":2}`,
			runErr:     &domain.DataIntegrityError{CoinID: "btc", Reason: "null price"},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   executor.KindDataIntegrity,
		},
		{
			name:       "transient error",
			body:       `{"batch_number":2}`,
			runErr:     errors.New("warehouse timeout"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   executor.KindCompute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockRunner{
				RunBatchFunc: func(ctx context.Context, n int) (*domain.BatchResult, error) {
					if tt.runErr != nil {
						return nil, tt.runErr
					}
					return &domain.BatchResult{BatchNumber: n, RowCount: 9, ArtifactURI: "gs://b/batch_00002.json"}, nil
				},
			}
			h := NewBatchHandler(runner, zerolog.Nop())

			rec := httptest.NewRecorder()
			h.ComputeBatch(rec, httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(tt.body)))

			require.Equal(t, tt.wantStatus, rec.Code)
			body := decode(t, rec)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, body["kind"])
				return
			}
			assert.Equal(t, float64(2), body["batch_number"])
			assert.Equal(t, float64(9), body["row_count"])
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}
