// Package batch partitions the coin universe into fixed-size batches.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

// DefaultSize is the number of coins per batch when none is configured.
const DefaultSize = 100

// Plan is the assignment of coin ids to batch numbers for one run. Batch n
// holds the coins ranked [n*BatchSize, (n+1)*BatchSize) in lexicographic
// order, so an unchanged universe always yields the same plan.
type Plan struct {
	RunID       string     `json:"run_id"`
	BatchSize   int        `json:"batch_size"`
	Batches     [][]string `json:"batches"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Partition builds a plan over the distinct coin ids. The run id is left
// empty for the caller to assign.
func Partition(coinIDs []string, batchSize int) (*Plan, error) {
	if batchSize <= 0 {
		return nil, &domain.InputError{Reason: fmt.Sprintf("batch size must be positive, got %d", batchSize)}
	}

	coins := distinct(coinIDs)
	if len(coins) == 0 {
		return nil, domain.ErrNoEligibleCoins
	}

	batches := make([][]string, 0, (len(coins)+batchSize-1)/batchSize)
	for rank, coin := range coins {
		n := rank / batchSize
		if n == len(batches) {
			batches = append(batches, make([]string, 0, batchSize))
		}
		batches[n] = append(batches[n], coin)
	}

	return &Plan{
		BatchSize:   batchSize,
		Batches:     batches,
		Fingerprint: fingerprint(batchSize, coins),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// BatchCount returns the number of batches in the plan.
func (p *Plan) BatchCount() int {
	return len(p.Batches)
}

// CoinCount returns the number of coins across all batches.
func (p *Plan) CoinCount() int {
	total := 0
	for _, b := range p.Batches {
		total += len(b)
	}
	return total
}

// CoinsFor returns the coin ids assigned to batch n.
func (p *Plan) CoinsFor(n int) ([]string, error) {
	if n < 0 || n >= len(p.Batches) {
		return nil, &domain.InputError{
			Reason: fmt.Sprintf("batch number %d is outside the plan (batch_count=%d)", n, len(p.Batches)),
		}
	}
	return append([]string(nil), p.Batches[n]...), nil
}

// BatchNumbers returns [0, BatchCount()).
func (p *Plan) BatchNumbers() []int {
	numbers := make([]int, len(p.Batches))
	for i := range numbers {
		numbers[i] = i
	}
	return numbers
}

// Validate checks that a plan loaded from storage is well formed: batches
// are full except the last, coins are sorted and unique, and the fingerprint
// matches the contents.
func (p *Plan) Validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("Plan.Validate: batch size must be positive, got %d", p.BatchSize)
	}
	if len(p.Batches) == 0 {
		return fmt.Errorf("Plan.Validate: plan has no batches")
	}

	var coins []string
	for i, b := range p.Batches {
		if len(b) == 0 || len(b) > p.BatchSize {
			return fmt.Errorf("Plan.Validate: batch %d has %d coins, batch size is %d", i, len(b), p.BatchSize)
		}
		if i < len(p.Batches)-1 && len(b) != p.BatchSize {
			return fmt.Errorf("Plan.Validate: batch %d is not full", i)
		}
		coins = append(coins, b...)
	}
	for i := 1; i < len(coins); i++ {
		if coins[i] <= coins[i-1] {
			return fmt.Errorf("Plan.Validate: coin ids are not strictly ordered at %q", coins[i])
		}
	}
	if want := fingerprint(p.BatchSize, coins); p.Fingerprint != want {
		return fmt.Errorf("Plan.Validate: fingerprint mismatch: have %s, want %s", p.Fingerprint, want)
	}
	return nil
}

// distinct returns the sorted unique non-empty ids. Ids are compared
// byte for byte, so they match the warehouse keys exactly.
func distinct(coinIDs []string) []string {
	seen := make(map[string]struct{}, len(coinIDs))
	out := make([]string, 0, len(coinIDs))
	for _, id := range coinIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// fingerprint identifies a partition by its batch size and ordered universe.
func fingerprint(batchSize int, coins []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n", batchSize)
	for _, c := range coins {
		h.Write([]byte(c))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
