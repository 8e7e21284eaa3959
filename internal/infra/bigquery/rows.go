package bigquery

import (
	"math"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/jobs"
)

// TransferRow is one row of the transfers query.
type TransferRow struct {
	CoinID        string     `bigquery:"coin_id"`        // REQUIRED
	WalletAddress string     `bigquery:"wallet_address"` // REQUIRED
	Date          civil.Date `bigquery:"date"`           // REQUIRED
	NetTransfers  float64    `bigquery:"net_transfers"`
	Balance       float64    `bigquery:"balance"`
}

// Record converts the row to the domain type.
func (r *TransferRow) Record() domain.TransferRecord {
	return domain.TransferRecord{
		CoinID:        r.CoinID,
		WalletAddress: r.WalletAddress,
		Date:          civilToTime(r.Date),
		NetTransfers:  r.NetTransfers,
		Balance:       r.Balance,
	}
}

// PriceRow is one row of the market data query.
type PriceRow struct {
	CoinID    string               `bigquery:"coin_id"`    // REQUIRED
	Date      civil.Date           `bigquery:"date"`       // REQUIRED
	Price     bigquery.NullFloat64 `bigquery:"price"`      // NULLABLE
	MarketCap bigquery.NullFloat64 `bigquery:"market_cap"` // NULLABLE
}

// Priced reports whether the row carries a usable price. Rows without one
// are dropped before reconciliation.
func (r *PriceRow) Priced() bool {
	return r.Price.Valid && r.Price.Float64 > 0 && !math.IsInf(r.Price.Float64, 0)
}

// Point converts the row to the domain type.
func (r *PriceRow) Point() domain.PricePoint {
	p := domain.PricePoint{
		CoinID: r.CoinID,
		Date:   civilToTime(r.Date),
		Price:  r.Price.Float64,
	}
	if r.MarketCap.Valid {
		mc := r.MarketCap.Float64
		p.MarketCap = &mc
	}
	return p
}

// LedgerRow is one row of the batch ledger table.
type LedgerRow struct {
	JobID       string `bigquery:"job_id"`       // REQUIRED
	RunID       string `bigquery:"run_id"`       // REQUIRED
	BatchNumber int64  `bigquery:"batch_number"` // REQUIRED
	CoinCount   int64  `bigquery:"coin_count"`

	Status       string `bigquery:"status"`        // REQUIRED
	ArtifactURI  string `bigquery:"artifact_uri"`  // NULLABLE
	RowCount     int64  `bigquery:"row_count"`
	Attempts     int64  `bigquery:"attempts"`
	ErrorMessage string `bigquery:"error_message"` // NULLABLE

	CreatedTS    time.Time              `bigquery:"created_ts"`    // REQUIRED
	DispatchedTS bigquery.NullTimestamp `bigquery:"dispatched_ts"` // NULLABLE
	CompletedTS  bigquery.NullTimestamp `bigquery:"completed_ts"`  // NULLABLE
}

// Job converts the row to a ledger entry.
func (r *LedgerRow) Job() *jobs.BatchJob {
	job := &jobs.BatchJob{
		JobID:       r.JobID,
		RunID:       r.RunID,
		BatchNumber: int(r.BatchNumber),
		CoinCount:   int(r.CoinCount),
		Status:      jobs.BatchStatus(r.Status),
		ArtifactURI: r.ArtifactURI,
		RowCount:    r.RowCount,
		Attempts:    int(r.Attempts),
		Error:       r.ErrorMessage,
		CreatedAt:   r.CreatedTS,
	}
	if r.DispatchedTS.Valid {
		t := r.DispatchedTS.Timestamp
		job.DispatchedAt = &t
	}
	if r.CompletedTS.Valid {
		t := r.CompletedTS.Timestamp
		job.CompletedAt = &t
	}
	return job
}

// ledgerRowFromJob is the inverse of LedgerRow.Job.
func ledgerRowFromJob(job *jobs.BatchJob) *LedgerRow {
	row := &LedgerRow{
		JobID:        job.JobID,
		RunID:        job.RunID,
		BatchNumber:  int64(job.BatchNumber),
		CoinCount:    int64(job.CoinCount),
		Status:       string(job.Status),
		ArtifactURI:  job.ArtifactURI,
		RowCount:     job.RowCount,
		Attempts:     int64(job.Attempts),
		ErrorMessage: truncateMessage(job.Error),
		CreatedTS:    job.CreatedAt,
	}
	if job.DispatchedAt != nil {
		row.DispatchedTS = bigquery.NullTimestamp{Timestamp: *job.DispatchedAt, Valid: true}
	}
	if job.CompletedAt != nil {
		row.CompletedTS = bigquery.NullTimestamp{Timestamp: *job.CompletedAt, Valid: true}
	}
	return row
}

// ProfitsSchema is the schema of the published profits table.
func ProfitsSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "coin_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "wallet_address", Type: bigquery.StringFieldType, Required: true},
		{Name: "date", Type: bigquery.TimestampFieldType, Required: true},
		{Name: "net_transfers", Type: bigquery.FloatFieldType},
		{Name: "balance", Type: bigquery.FloatFieldType},
		{Name: "price", Type: bigquery.FloatFieldType},
		{Name: "profits_change", Type: bigquery.FloatFieldType},
		{Name: "profits_cumulative", Type: bigquery.FloatFieldType},
		{Name: "usd_balance", Type: bigquery.FloatFieldType},
		{Name: "usd_net_transfers", Type: bigquery.FloatFieldType},
		{Name: "usd_inflows", Type: bigquery.FloatFieldType},
		{Name: "usd_inflows_cumulative", Type: bigquery.FloatFieldType},
		{Name: "total_return", Type: bigquery.FloatFieldType},
	}
}

func civilToTime(d civil.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// truncateMessage keeps error text within a reasonable column size.
func truncateMessage(msg string) string {
	const maxLen = 2000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
