// Package bigquery reads the transfers and market data tables, publishes
// the profits table and keeps the batch ledger in BigQuery.
package bigquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// Tables names the tables the sources read, as dataset.table or
// project.dataset.table.
type Tables struct {
	Transfers string
	Prices    string
}

// Sources reads transfer and price rows. It implements
// warehouse.TransferSource, warehouse.PriceSource and warehouse.CoinUniverse.
type Sources struct {
	client *bigquery.Client
	tables Tables
}

// NewSources returns Sources reading through client.
func NewSources(client *bigquery.Client, tables Tables) (*Sources, error) {
	if client == nil {
		return nil, fmt.Errorf("NewSources: bigquery client is required")
	}
	if tables.Transfers == "" || tables.Prices == "" {
		return nil, fmt.Errorf("NewSources: transfers and prices tables are required")
	}
	return &Sources{client: client, tables: tables}, nil
}

// TransfersQuery returns the transfers query. Only coins with market data
// are selected; a non-empty filter restricts the rows to @coin_ids.
func TransfersQuery(project string, tables Tables, filtered bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT
			cwt.coin_id,
			cwt.wallet_address,
			DATE(cwt.date) AS date,
			CAST(cwt.net_transfers AS FLOAT64) AS net_transfers,
			CAST(cwt.balance AS FLOAT64) AS balance
		FROM %s cwt
		JOIN (
			SELECT coin_id
			FROM %s
			GROUP BY 1
		) cmd ON cmd.coin_id = cwt.coin_id`,
		qualify(project, tables.Transfers), qualify(project, tables.Prices))
	if filtered {
		b.WriteString(`
		WHERE cwt.coin_id IN UNNEST(@coin_ids)`)
	}
	b.WriteString(`
		ORDER BY 1, 2, 3
	`)
	return b.String()
}

// PricesQuery returns the market data query.
func PricesQuery(project string, tables Tables, filtered bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT
			cmd.coin_id,
			DATE(cmd.date) AS date,
			CAST(cmd.price AS FLOAT64) AS price,
			CAST(cmd.market_cap AS FLOAT64) AS market_cap
		FROM %s cmd
		WHERE cmd.price > 0`, qualify(project, tables.Prices))
	if filtered {
		b.WriteString(`
		AND cmd.coin_id IN UNNEST(@coin_ids)`)
	}
	b.WriteString(`
		ORDER BY 1, 2
	`)
	return b.String()
}

// CoinUniverseQuery returns the query listing coins present in both tables.
func CoinUniverseQuery(project string, tables Tables) string {
	return fmt.Sprintf(`
		SELECT DISTINCT cwt.coin_id
		FROM %s cwt
		JOIN (
			SELECT coin_id
			FROM %s
			GROUP BY 1
		) cmd ON cmd.coin_id = cwt.coin_id
		ORDER BY 1
	`, qualify(project, tables.Transfers), qualify(project, tables.Prices))
}

// LoadTransfers implements warehouse.TransferSource.
func (s *Sources) LoadTransfers(ctx context.Context, coinIDs []string) ([]domain.TransferRecord, error) {
	start := time.Now()

	q := s.client.Query(TransfersQuery(s.client.Project(), s.tables, len(coinIDs) > 0))
	if len(coinIDs) > 0 {
		q.Parameters = []bigquery.QueryParameter{{Name: "coin_ids", Value: coinIDs}}
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadTransfers: running query: %w", err)
	}

	var records []domain.TransferRecord
	for {
		var row TransferRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LoadTransfers: iterating: %w", err)
		}
		records = append(records, row.Record())
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("rows", len(records)).
		Int("coins", len(coinIDs)).
		Dur("elapsed", time.Since(start)).
		Msg("Retrieved transfers")

	return records, nil
}

// LoadPrices implements warehouse.PriceSource.
func (s *Sources) LoadPrices(ctx context.Context, coinIDs []string) ([]domain.PricePoint, error) {
	start := time.Now()

	q := s.client.Query(PricesQuery(s.client.Project(), s.tables, len(coinIDs) > 0))
	if len(coinIDs) > 0 {
		q.Parameters = []bigquery.QueryParameter{{Name: "coin_ids", Value: coinIDs}}
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadPrices: running query: %w", err)
	}

	var (
		points  []domain.PricePoint
		skipped int
	)
	for {
		var row PriceRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LoadPrices: iterating: %w", err)
		}
		if !row.Priced() {
			skipped++
			continue
		}
		points = append(points, row.Point())
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("rows", len(points)).
		Int("skipped", skipped).
		Int("coins", len(coinIDs)).
		Dur("elapsed", time.Since(start)).
		Msg("Retrieved market data")

	return points, nil
}

// ListEligibleCoins implements warehouse.CoinUniverse.
func (s *Sources) ListEligibleCoins(ctx context.Context) ([]string, error) {
	it, err := s.client.Query(CoinUniverseQuery(s.client.Project(), s.tables)).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListEligibleCoins: running query: %w", err)
	}

	var coins []string
	for {
		var row struct {
			CoinID string `bigquery:"coin_id"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListEligibleCoins: iterating: %w", err)
		}
		coins = append(coins, row.CoinID)
	}
	return coins, nil
}

// qualify returns a backquoted fully qualified table name. References
// without a project are resolved against project.
func qualify(project, ref string) string {
	if strings.Count(ref, ".") == 1 && project != "" {
		ref = project + "." + ref
	}
	return "`" + ref + "`"
}

// splitRef returns the project, dataset and table of a reference.
func splitRef(project, ref string) (string, string, string, error) {
	parts := strings.Split(ref, ".")
	switch len(parts) {
	case 2:
		return project, parts[0], parts[1], nil
	case 3:
		return parts[0], parts[1], parts[2], nil
	default:
		return "", "", "", fmt.Errorf("invalid table reference %q", ref)
	}
}

var (
	_ warehouse.TransferSource = (*Sources)(nil)
	_ warehouse.PriceSource    = (*Sources)(nil)
	_ warehouse.CoinUniverse   = (*Sources)(nil)
)
