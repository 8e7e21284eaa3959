package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoEligibleCoins is returned when no coin has both transfer and price coverage.
var ErrNoEligibleCoins = errors.New("no coins with both transfer and price coverage")

// InputError reports unusable input to reconciliation. It is not retried.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "input error: " + e.Reason
}

// Retryable implements the retry classification used by the retry package.
func (e *InputError) Retryable() bool { return false }

// DataIntegrityError reports a record that violates an invariant the
// reconciliation step guarantees, such as a missing price. It indicates a
// defect rather than a transient condition and is never retried.
type DataIntegrityError struct {
	CoinID        string
	WalletAddress string
	Date          time.Time
	Reason        string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error: %s (coin_id=%s wallet_address=%s date=%s)",
		e.Reason, e.CoinID, e.WalletAddress, e.Date.Format("2006-01-02"))
}

// Retryable implements the retry classification used by the retry package.
func (e *DataIntegrityError) Retryable() bool { return false }

// BatchComputeError wraps any failure computing a single batch.
type BatchComputeError struct {
	BatchNumber int
	Attempts    int
	Err         error

	// Permanent is set when the failure can not be fixed by retrying,
	// e.g. a remote worker reporting an input or integrity error.
	Permanent bool
}

func (e *BatchComputeError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("batch %d failed after %d attempt(s): %v", e.BatchNumber, e.Attempts, e.Err)
	}
	return fmt.Sprintf("batch %d failed: %v", e.BatchNumber, e.Err)
}

func (e *BatchComputeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *BatchComputeError) Retryable() bool {
	if e.Permanent {
		return false
	}
	var input *InputError
	var integrity *DataIntegrityError
	return !errors.As(e.Err, &input) && !errors.As(e.Err, &integrity)
}

// CompletenessError is returned when one or more batches of a run never
// reached SUCCEEDED. Aggregation is refused when it occurs.
type CompletenessError struct {
	BatchCount int
	Missing    []int
}

// NewCompletenessError returns a CompletenessError with Missing sorted.
func NewCompletenessError(batchCount int, missing []int) *CompletenessError {
	sorted := append([]int(nil), missing...)
	sort.Ints(sorted)
	return &CompletenessError{BatchCount: batchCount, Missing: sorted}
}

func (e *CompletenessError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, n := range e.Missing {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("batch generation incomplete: %d of %d batches missing [%s]",
		len(e.Missing), e.BatchCount, strings.Join(parts, ", "))
}

// Retryable implements the retry classification used by the retry package.
func (e *CompletenessError) Retryable() bool { return false }
