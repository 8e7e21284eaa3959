package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dreamslabs/etl-pipelines/internal/api/middleware"
	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/executor"
	"github.com/dreamslabs/etl-pipelines/internal/orchestrator"
)

// Response statuses of a rebuild.
const (
	StatusComplete = "complete"
	StatusAborted  = "aborted"
)

// Rebuilder runs and cleans up rebuilds. *orchestrator.Orchestrator
// satisfies it.
type Rebuilder interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
	Cleanup(ctx context.Context) error
}

// RebuildResponse is the body returned by POST /rebuild.
type RebuildResponse struct {
	Status string `json:"status"`
	*orchestrator.RunResult
	Error string `json:"error,omitempty"`
}

// RebuildHandler handles the orchestrator endpoints.
type RebuildHandler struct {
	orch Rebuilder
	log  zerolog.Logger
}

// NewRebuildHandler creates a new rebuild handler.
func NewRebuildHandler(orch Rebuilder, log zerolog.Logger) *RebuildHandler {
	return &RebuildHandler{orch: orch, log: log}
}

// Rebuild handles POST /rebuild. batch_size and max_workers may be given
// in the JSON body or as query parameters; query parameters win.
func (h *RebuildHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	req, err := parseRunRequest(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.orch.Run(r.Context(), req)

	var input *domain.InputError
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		middleware.WriteError(w, http.StatusConflict, err.Error())
		return
	case errors.As(err, &input) && result == nil:
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && result == nil:
		h.log.Error().Err(err).Msg("Rebuild failed before starting")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to start rebuild")
		return
	case err != nil:
		middleware.WriteJSON(w, http.StatusInternalServerError, RebuildResponse{
			Status:    StatusAborted,
			RunResult: result,
			Error:     err.Error(),
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, RebuildResponse{
		Status:    StatusComplete,
		RunResult: result,
	})
}

// Cleanup handles POST /cleanup.
func (h *RebuildHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	err := h.orch.Cleanup(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to clean up batch artifacts")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to clean up batch artifacts")
	default:
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "clean"})
	}
}

func parseRunRequest(r *http.Request) (orchestrator.RunRequest, error) {
	var req orchestrator.RunRequest

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return req, errors.New("invalid request body")
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, errors.New("invalid request body")
		}
	}

	for name, dst := range map[string]*int{
		"batch_size":  &req.BatchSize,
		"max_workers": &req.MaxWorkers,
	} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, errors.New(name + " must be an integer")
		}
		*dst = n
	}

	if req.BatchSize < 0 || req.MaxWorkers < 0 {
		return req, errors.New("batch_size and max_workers must be positive")
	}
	return req, nil
}

// BatchHandler handles the worker endpoint.
type BatchHandler struct {
	runner executor.BatchRunner
	log    zerolog.Logger
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(runner executor.BatchRunner, log zerolog.Logger) *BatchHandler {
	return &BatchHandler{runner: runner, log: log}
}

// ComputeBatch handles POST /batches with body {"batch_number": N}.
// Permanent failures return 422, transient ones 500.
func (h *BatchHandler) ComputeBatch(w http.ResponseWriter, r *http.Request) {
	var req executor.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteJSON(w, http.StatusBadRequest, executor.ErrorResponse{
			Error: "Invalid request body",
			Kind:  executor.KindInput,
		})
		return
	}
	if req.BatchNumber == nil || *req.BatchNumber < 0 {
		middleware.WriteJSON(w, http.StatusBadRequest, executor.ErrorResponse{
			Error: "batch_number is required and must not be negative",
			Kind:  executor.KindInput,
		})
		return
	}

	result, err := h.runner.RunBatch(r.Context(), *req.BatchNumber)
	if err != nil {
		status, kind := executor.Classify(err)
		h.log.Error().
			Err(err).
			Int("batch_number", *req.BatchNumber).
			Str("kind", kind).
			Msg("Batch computation failed")
		middleware.WriteJSON(w, status, executor.ErrorResponse{Error: err.Error(), Kind: kind})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
