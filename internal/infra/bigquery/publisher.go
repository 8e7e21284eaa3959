package bigquery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/infra/gcs"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

// Publisher replaces the profits table with the union of the batch
// artifacts using one load job. WRITE_TRUNCATE makes the swap atomic:
// readers see either the previous table or the complete new one.
type Publisher struct {
	client   *bigquery.Client
	project  string
	dataset  string
	table    string
	location string
}

// NewPublisher returns a Publisher writing to ref (dataset.table or
// project.dataset.table).
func NewPublisher(client *bigquery.Client, ref, location string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("NewPublisher: bigquery client is required")
	}
	project, dataset, table, err := splitRef(client.Project(), ref)
	if err != nil {
		return nil, fmt.Errorf("NewPublisher: %w", err)
	}
	return &Publisher{
		client:   client,
		project:  project,
		dataset:  dataset,
		table:    table,
		location: location,
	}, nil
}

// SourceURIs returns the artifact URIs of results ordered by batch number.
// Every URI must be a gs:// object.
func SourceURIs(results []domain.BatchResult) ([]string, int64, error) {
	sorted := make([]domain.BatchResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BatchNumber < sorted[j].BatchNumber })

	uris := make([]string, 0, len(sorted))
	var rows int64
	for _, r := range sorted {
		if _, _, err := gcs.ParseURI(r.ArtifactURI); err != nil {
			return nil, 0, fmt.Errorf("batch %d: %w", r.BatchNumber, err)
		}
		uris = append(uris, r.ArtifactURI)
		rows += r.RowCount
	}
	return uris, rows, nil
}

// Loader builds the load job configuration for uris.
func (p *Publisher) Loader(uris []string) *bigquery.Loader {
	ref := bigquery.NewGCSReference(uris...)
	ref.SourceFormat = bigquery.JSON
	ref.Schema = ProfitsSchema()

	loader := p.client.DatasetInProject(p.project, p.dataset).Table(p.table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.TimePartitioning = &bigquery.TimePartitioning{
		Type:  bigquery.DayPartitioningType,
		Field: "date",
	}
	loader.Clustering = &bigquery.Clustering{Fields: []string{"coin_id", "wallet_address"}}
	if p.location != "" {
		loader.Location = p.location
	}
	return loader
}

// Publish implements warehouse.Publisher.
func (p *Publisher) Publish(ctx context.Context, results []domain.BatchResult) (int64, error) {
	if len(results) == 0 {
		return 0, fmt.Errorf("Publish: no batch results to publish")
	}

	uris, expected, err := SourceURIs(results)
	if err != nil {
		return 0, fmt.Errorf("Publish: %w", err)
	}

	log := logger.FromContext(ctx)
	start := time.Now()

	job, err := p.Loader(uris).Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("Publish: starting load job: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("Publish: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("Publish: job error: %w", err)
	}

	rows := expected
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			rows = stats.OutputRows
		}
	}
	if rows != expected {
		log.Warn().
			Int64("loaded_rows", rows).
			Int64("expected_rows", expected).
			Msg("Loaded row count differs from batch row counts")
	}

	log.Info().
		Str("table", fmt.Sprintf("%s.%s.%s", p.project, p.dataset, p.table)).
		Int("batches", len(uris)).
		Int64("rows", rows).
		Dur("elapsed", time.Since(start)).
		Msg("Published profits table")

	return rows, nil
}

var _ warehouse.Publisher = (*Publisher)(nil)
