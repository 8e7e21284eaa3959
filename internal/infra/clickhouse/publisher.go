package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// Publisher implements warehouse.Publisher on ClickHouse. Rows are read
// back from the artifact store batch by batch.
type Publisher struct {
	conn      driver.Conn
	artifacts warehouse.ArtifactStore
	table     string
}

// NewPublisher returns a Publisher writing to table (name or db.name).
func NewPublisher(conn driver.Conn, artifacts warehouse.ArtifactStore, table string) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("clickhouse.NewPublisher: connection is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("clickhouse.NewPublisher: artifact store is required")
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("clickhouse.NewPublisher: invalid table name %q", table)
	}
	return &Publisher{conn: conn, artifacts: artifacts, table: table}, nil
}

// CreateTableSQL returns the DDL of the profits table.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			coin_id String,
			wallet_address String,
			date DateTime('UTC'),
			net_transfers Float64,
			balance Float64,
			price Float64,
			profits_change Float64,
			profits_cumulative Float64,
			usd_balance Float64,
			usd_net_transfers Float64,
			usd_inflows Float64,
			usd_inflows_cumulative Float64,
			total_return Nullable(Float64)
		)
		ENGINE = MergeTree
		PARTITION BY toYYYYMM(date)
		ORDER BY (coin_id, wallet_address, date)
	`, table)
}

func stagingTable(table string) string {
	return table + "_staging"
}

// Publish implements warehouse.Publisher.
func (p *Publisher) Publish(ctx context.Context, results []domain.BatchResult) (int64, error) {
	if len(results) == 0 {
		return 0, fmt.Errorf("Publish: no batch results to publish")
	}

	log := logger.FromContext(ctx)
	start := time.Now()
	staging := stagingTable(p.table)

	for _, stmt := range []string{
		CreateTableSQL(p.table),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", staging),
		fmt.Sprintf("CREATE TABLE %s AS %s", staging, p.table),
	} {
		if err := p.conn.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("Publish: prepare staging table: %w", err)
		}
	}

	var total int64
	for _, r := range results {
		n, err := p.loadBatch(ctx, staging, r.BatchNumber)
		if err != nil {
			p.dropStaging(ctx, staging)
			return 0, fmt.Errorf("Publish: batch %d: %w", r.BatchNumber, err)
		}
		total += n
	}

	if err := p.conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", p.table, staging)); err != nil {
		p.dropStaging(ctx, staging)
		return 0, fmt.Errorf("Publish: exchange tables: %w", err)
	}
	p.dropStaging(ctx, staging)

	log.Info().
		Str("table", p.table).
		Int("batches", len(results)).
		Int64("rows", total).
		Dur("elapsed", time.Since(start)).
		Msg("Published profits table")

	return total, nil
}

func (p *Publisher) loadBatch(ctx context.Context, table string, batchNumber int) (int64, error) {
	records, err := p.artifacts.ReadBatch(ctx, batchNumber)
	if err != nil {
		return 0, fmt.Errorf("read artifact: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch, err := p.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			coin_id, wallet_address, date,
			net_transfers, balance, price,
			profits_change, profits_cumulative,
			usd_balance, usd_net_transfers, usd_inflows, usd_inflows_cumulative,
			total_return
		)
	`, table))
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		err = batch.Append(
			r.CoinID, r.WalletAddress, r.Date,
			r.NetTransfers, r.Balance, r.Price,
			r.ProfitsChange, r.ProfitsCumulative,
			r.USDBalance, r.USDNetTransfers, r.USDInflows, r.USDInflowsCumulative,
			r.TotalReturn,
		)
		if err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return int64(len(records)), nil
}

func (p *Publisher) dropStaging(ctx context.Context, staging string) {
	if err := p.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", staging)); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("table", staging).Msg("Failed to drop staging table")
	}
}

var _ warehouse.Publisher = (*Publisher)(nil)
