package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dreamslabs/etl-pipelines/internal/jobs"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
)

const ledgerColumns = `
			job_id,
			run_id,
			batch_number,
			coin_count,
			status,
			artifact_uri,
			row_count,
			attempts,
			error_message,
			created_ts,
			dispatched_ts,
			completed_ts`

// Ledger is a jobs.BatchStore backed by a BigQuery table keyed by
// (run_id, batch_number).
type Ledger struct {
	client *bigquery.Client
	table  string
}

// NewLedger returns a Ledger writing to ref (dataset.table or
// project.dataset.table).
func NewLedger(client *bigquery.Client, ref string) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("NewLedger: bigquery client is required")
	}
	if _, _, _, err := splitRef(client.Project(), ref); err != nil {
		return nil, fmt.Errorf("NewLedger: %w", err)
	}
	return &Ledger{client: client, table: qualify(client.Project(), ref)}, nil
}

// SaveQuery returns the MERGE that records job. prev is the status the
// stored row must still have, or empty when no row exists yet.
func (l *Ledger) SaveQuery(job *jobs.BatchJob, prev jobs.BatchStatus) (string, []bigquery.QueryParameter) {
	row := ledgerRowFromJob(job)
	sql := fmt.Sprintf(`
		MERGE %s t
		USING (SELECT @run_id AS run_id, @batch_number AS batch_number) s
		ON t.run_id = s.run_id AND t.batch_number = s.batch_number
		WHEN MATCHED AND t.status = @prev_status THEN UPDATE SET
			job_id = @job_id,
			coin_count = @coin_count,
			created_ts = @created_ts
		WHEN NOT MATCHED THEN INSERT (%s
		)
		VALUES (
			@job_id, @run_id, @batch_number, @coin_count,
			@status, @artifact_uri, @row_count, @attempts, @error_message,
			@created_ts, @dispatched_ts, @completed_ts
		)
	`, l.table, ledgerColumns)

	params := append(rowParams(row),
		bigquery.QueryParameter{Name: "job_id", Value: row.JobID},
		bigquery.QueryParameter{Name: "coin_count", Value: row.CoinCount},
		bigquery.QueryParameter{Name: "created_ts", Value: row.CreatedTS},
		bigquery.QueryParameter{Name: "prev_status", Value: string(prev)},
	)
	return sql, params
}

// SaveBatch implements jobs.BatchStore. A new row is inserted; an existing
// row is only replaced while it is still pending.
func (l *Ledger) SaveBatch(ctx context.Context, job *jobs.BatchJob) error {
	if job.RunID == "" {
		return fmt.Errorf("SaveBatch: run ID is required")
	}

	var prev jobs.BatchStatus
	current, err := l.GetBatch(ctx, job.RunID, job.BatchNumber)
	switch {
	case err == nil:
		prev = current.Status
		if err := jobs.CheckSave(job.BatchNumber, prev, job.Status); err != nil {
			return err
		}
	case !errors.Is(err, jobs.ErrBatchNotFound):
		return fmt.Errorf("SaveBatch: %w", err)
	}

	sql, params := l.SaveQuery(job, prev)
	q := l.client.Query(sql)
	q.Parameters = params

	affected, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("SaveBatch: run %s batch %d: %w", job.RunID, job.BatchNumber, err)
	}
	if affected == 0 {
		// The row changed between the read and the merge.
		return &jobs.InvalidTransitionError{BatchNumber: job.BatchNumber, To: job.Status}
	}
	return nil
}

// GetBatch implements jobs.BatchStore.
func (l *Ledger) GetBatch(ctx context.Context, runID string, batchNumber int) (*jobs.BatchJob, error) {
	q := l.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE run_id = @run_id AND batch_number = @batch_number
		LIMIT 1
	`, ledgerColumns, l.table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "batch_number", Value: int64(batchNumber)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetBatch: running query: %w", err)
	}

	var row LedgerRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, fmt.Errorf("run %s batch %d: %w", runID, batchNumber, jobs.ErrBatchNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetBatch: iterating: %w", err)
	}
	return row.Job(), nil
}

// ListQuery returns the SELECT statement and parameters for filter.
func (l *Ledger) ListQuery(filter jobs.BatchFilter) (string, []bigquery.QueryParameter) {
	var (
		where  []string
		params []bigquery.QueryParameter
	)
	if filter.RunID != "" {
		where = append(where, "run_id = @run_id")
		params = append(params, bigquery.QueryParameter{Name: "run_id", Value: filter.RunID})
	}
	if filter.Status != "" {
		where = append(where, "status = @status")
		params = append(params, bigquery.QueryParameter{Name: "status", Value: string(filter.Status)})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s\n\t\tFROM %s", ledgerColumns, l.table)
	if len(where) > 0 {
		b.WriteString("\n\t\tWHERE " + strings.Join(where, " AND "))
	}
	b.WriteString("\n\t\tORDER BY run_id, batch_number")
	if filter.Limit > 0 {
		b.WriteString("\n\t\tLIMIT @limit")
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: int64(filter.Limit)})
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// BigQuery requires LIMIT before OFFSET.
			b.WriteString("\n\t\tLIMIT 9223372036854775807")
		}
		b.WriteString("\n\t\tOFFSET @offset")
		params = append(params, bigquery.QueryParameter{Name: "offset", Value: int64(filter.Offset)})
	}
	return b.String(), params
}

// ListBatches implements jobs.BatchStore.
func (l *Ledger) ListBatches(ctx context.Context, filter jobs.BatchFilter) ([]*jobs.BatchJob, error) {
	sql, params := l.ListQuery(filter)
	q := l.client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListBatches: running query: %w", err)
	}

	var result []*jobs.BatchJob
	for {
		var row LedgerRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListBatches: iterating: %w", err)
		}
		result = append(result, row.Job())
	}
	return result, nil
}

// TransitionQuery returns the UPDATE that moves the row from status from to
// job.Status along with the result fields job carries. Dispatching stamps
// dispatched_ts and a terminal status stamps completed_ts when job has none.
func (l *Ledger) TransitionQuery(job *jobs.BatchJob, from jobs.BatchStatus, now time.Time) (string, []bigquery.QueryParameter) {
	row := ledgerRowFromJob(job)
	switch {
	case job.Status == jobs.BatchStatusDispatched && !row.DispatchedTS.Valid:
		row.DispatchedTS = bigquery.NullTimestamp{Timestamp: now, Valid: true}
	case job.Status.Terminal() && !row.CompletedTS.Valid:
		row.CompletedTS = bigquery.NullTimestamp{Timestamp: now, Valid: true}
	}

	// from_status guards against a concurrent transition between the read
	// and the update.
	sql := fmt.Sprintf(`
		UPDATE %s
		SET
			status = @status,
			artifact_uri = @artifact_uri,
			row_count = @row_count,
			attempts = @attempts,
			error_message = @error_message,
			dispatched_ts = @dispatched_ts,
			completed_ts = @completed_ts
		WHERE run_id = @run_id AND batch_number = @batch_number AND status = @from_status
	`, l.table)

	params := append(rowParams(row), bigquery.QueryParameter{Name: "from_status", Value: string(from)})
	return sql, params
}

// TransitionBatch implements jobs.BatchStore.
func (l *Ledger) TransitionBatch(ctx context.Context, job *jobs.BatchJob) error {
	current, err := l.GetBatch(ctx, job.RunID, job.BatchNumber)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(job.Status) {
		return &jobs.InvalidTransitionError{BatchNumber: job.BatchNumber, From: current.Status, To: job.Status}
	}

	sql, params := l.TransitionQuery(job, current.Status, time.Now().UTC())
	q := l.client.Query(sql)
	q.Parameters = params

	affected, err := runDML(ctx, q)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("run_id", job.RunID).
			Int("batch_number", job.BatchNumber).
			Str("status", string(job.Status)).
			Msg("TransitionBatch: update failed")
		return fmt.Errorf("TransitionBatch: run %s batch %d: %w", job.RunID, job.BatchNumber, err)
	}
	if affected == 0 {
		return &jobs.InvalidTransitionError{BatchNumber: job.BatchNumber, To: job.Status}
	}
	return nil
}

// rowParams binds the key and the columns a transition may change.
func rowParams(row *LedgerRow) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "run_id", Value: row.RunID},
		{Name: "batch_number", Value: row.BatchNumber},
		{Name: "status", Value: row.Status},
		{Name: "artifact_uri", Value: row.ArtifactURI},
		{Name: "row_count", Value: row.RowCount},
		{Name: "attempts", Value: row.Attempts},
		{Name: "error_message", Value: row.ErrorMessage},
		{Name: "dispatched_ts", Value: row.DispatchedTS},
		{Name: "completed_ts", Value: row.CompletedTS},
	}
}

// runDML runs a statement, waits for it to finish and returns the number of
// rows it changed.
func runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}
	if status.Statistics == nil {
		return 0, nil
	}
	stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !ok {
		return 0, nil
	}
	return stats.NumDMLAffectedRows, nil
}

var _ jobs.BatchStore = (*Ledger)(nil)
