package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
)

const (
	batchesPath = "/batches"

	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 4096
)

// RemoteOptions configures a Remote executor.
type RemoteOptions struct {
	// BaseURL is the worker's root URL, e.g. https://worker-xyz.a.run.app.
	BaseURL string

	// Client performs the calls. Use an idtoken client for authenticated
	// Cloud Run workers. Defaults to a plain client.
	Client *http.Client

	// Timeout bounds a single call when positive.
	Timeout time.Duration

	// RatePerSecond throttles dispatch when positive.
	RatePerSecond float64
}

// Remote dispatches batches to a stateless worker over HTTP.
type Remote struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

// NewRemote returns an executor calling POST {BaseURL}/batches.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("NewRemote: worker base URL is required")
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}

	return &Remote{
		baseURL: base,
		client:  client,
		timeout: opts.Timeout,
		limiter: limiter,
	}, nil
}

// Submit implements BatchExecutor.
func (r *Remote) Submit(ctx context.Context, batchNumber int) (*domain.BatchResult, error) {
	fail := func(err error, permanent bool) (*domain.BatchResult, error) {
		return nil, &domain.BatchComputeError{BatchNumber: batchNumber, Err: err, Permanent: permanent}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fail(fmt.Errorf("rate limiting failed: %w", err), false)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	body, err := json.Marshal(BatchRequest{BatchNumber: &batchNumber})
	if err != nil {
		return fail(fmt.Errorf("failed to encode request: %w", err), true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+batchesPath, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err), true)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("request failed: %w", err), false)
	}
	defer resp.Body.Close()

	log := logger.FromContext(ctx)
	log.Debug().
		Int("batch_number", batchNumber).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Worker responded")

	if resp.StatusCode == http.StatusOK {
		var result domain.BatchResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fail(fmt.Errorf("failed to decode worker response: %w", err), false)
		}
		if result.BatchNumber != batchNumber {
			return fail(fmt.Errorf("worker answered for batch %d", result.BatchNumber), false)
		}
		return &result, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload ErrorResponse
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}

	remoteErr := fmt.Errorf("worker returned %d: %s", resp.StatusCode, payload.Error)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fail(remoteErr, false)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fail(fmt.Errorf("%w (kind=%s)", remoteErr, payload.Kind), true)
	default:
		return fail(remoteErr, true)
	}
}

var _ BatchExecutor = (*Remote)(nil)
