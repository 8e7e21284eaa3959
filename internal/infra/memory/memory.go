// Package memory provides in-process implementations of the warehouse
// collaborators for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamslabs/etl-pipelines/internal/batch"
	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// Sources serves fixed transfer and price rows.
type Sources struct {
	Transfers []domain.TransferRecord
	Prices    []domain.PricePoint
}

// LoadTransfers implements warehouse.TransferSource.
func (s *Sources) LoadTransfers(ctx context.Context, coinIDs []string) ([]domain.TransferRecord, error) {
	filter := coinSet(coinIDs)
	var out []domain.TransferRecord
	for _, t := range s.Transfers {
		if filter == nil || filter[t.CoinID] {
			out = append(out, t)
		}
	}
	return out, nil
}

// LoadPrices implements warehouse.PriceSource.
func (s *Sources) LoadPrices(ctx context.Context, coinIDs []string) ([]domain.PricePoint, error) {
	filter := coinSet(coinIDs)
	var out []domain.PricePoint
	for _, p := range s.Prices {
		if filter == nil || filter[p.CoinID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListEligibleCoins implements warehouse.CoinUniverse.
func (s *Sources) ListEligibleCoins(ctx context.Context) ([]string, error) {
	priced := make(map[string]bool)
	for _, p := range s.Prices {
		priced[p.CoinID] = true
	}
	seen := make(map[string]bool)
	var coins []string
	for _, t := range s.Transfers {
		if priced[t.CoinID] && !seen[t.CoinID] {
			seen[t.CoinID] = true
			coins = append(coins, t.CoinID)
		}
	}
	sort.Strings(coins)
	return coins, nil
}

func coinSet(coinIDs []string) map[string]bool {
	if len(coinIDs) == 0 {
		return nil
	}
	set := make(map[string]bool, len(coinIDs))
	for _, id := range coinIDs {
		set[id] = true
	}
	return set
}

// Artifacts keeps batch artifacts in memory.
type Artifacts struct {
	mu      sync.RWMutex
	batches map[int][]domain.ProfitRecord
}

// NewArtifacts creates an empty artifact store.
func NewArtifacts() *Artifacts {
	return &Artifacts{batches: make(map[int][]domain.ProfitRecord)}
}

// URI returns the address of a batch artifact.
func (a *Artifacts) URI(batchNumber int) string {
	return fmt.Sprintf("memory://batches/batch_%05d", batchNumber)
}

// WriteBatch implements warehouse.ArtifactStore.
func (a *Artifacts) WriteBatch(ctx context.Context, batchNumber int, records []domain.ProfitRecord) (domain.BatchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.batches[batchNumber] = append([]domain.ProfitRecord(nil), records...)
	return domain.BatchResult{
		BatchNumber: batchNumber,
		RowCount:    int64(len(records)),
		ArtifactURI: a.URI(batchNumber),
	}, nil
}

// ReadBatch implements warehouse.ArtifactStore.
func (a *Artifacts) ReadBatch(ctx context.Context, batchNumber int) ([]domain.ProfitRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	records, ok := a.batches[batchNumber]
	if !ok {
		return nil, fmt.Errorf("ReadBatch: no artifact for batch %d", batchNumber)
	}
	return append([]domain.ProfitRecord(nil), records...), nil
}

// DeleteBatch implements warehouse.ArtifactStore.
func (a *Artifacts) DeleteBatch(ctx context.Context, batchNumber int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.batches, batchNumber)
	return nil
}

// ListBatches implements warehouse.ArtifactStore.
func (a *Artifacts) ListBatches(ctx context.Context) ([]int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	numbers := make([]int, 0, len(a.batches))
	for n := range a.batches {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// Plans keeps the current plan in memory.
type Plans struct {
	mu   sync.RWMutex
	plan *batch.Plan
}

// SavePlan implements warehouse.PlanStore.
func (p *Plans) SavePlan(ctx context.Context, plan *batch.Plan) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := *plan
	p.plan = &cp
	return nil
}

// LoadPlan implements warehouse.PlanStore.
func (p *Plans) LoadPlan(ctx context.Context) (*batch.Plan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.plan == nil {
		return nil, warehouse.ErrPlanNotFound
	}
	cp := *p.plan
	return &cp, nil
}

// DeletePlan implements warehouse.PlanStore.
func (p *Plans) DeletePlan(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.plan = nil
	return nil
}

// Store keeps artifacts and the plan of one process.
type Store struct {
	*Artifacts
	*Plans
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{Artifacts: NewArtifacts(), Plans: &Plans{}}
}

// Table is a publisher that materializes the final table in memory by
// reading every batch artifact from an ArtifactStore.
type Table struct {
	mu        sync.RWMutex
	artifacts warehouse.ArtifactStore
	rows      []domain.ProfitRecord
	publishes int
}

// NewTable creates a Table reading from artifacts.
func NewTable(artifacts warehouse.ArtifactStore) *Table {
	return &Table{artifacts: artifacts}
}

// Publish implements warehouse.Publisher. The previous contents are
// replaced only if every artifact could be read.
func (t *Table) Publish(ctx context.Context, results []domain.BatchResult) (int64, error) {
	var rows []domain.ProfitRecord
	for _, r := range results {
		records, err := t.artifacts.ReadBatch(ctx, r.BatchNumber)
		if err != nil {
			return 0, fmt.Errorf("Publish: %w", err)
		}
		rows = append(rows, records...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = rows
	t.publishes++
	return int64(len(rows)), nil
}

// Rows returns a copy of the published table.
func (t *Table) Rows() []domain.ProfitRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.ProfitRecord(nil), t.rows...)
}

// Publishes returns how many times Publish succeeded.
func (t *Table) Publishes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.publishes
}

var (
	_ warehouse.TransferSource = (*Sources)(nil)
	_ warehouse.PriceSource    = (*Sources)(nil)
	_ warehouse.CoinUniverse   = (*Sources)(nil)
	_ warehouse.ArtifactStore  = (*Artifacts)(nil)
	_ warehouse.PlanStore      = (*Plans)(nil)
	_ warehouse.Publisher      = (*Table)(nil)
)
