// Package gcs stores batch artifacts and the partition plan in Cloud
// Storage. Artifacts are NDJSON objects that the BigQuery publisher loads
// directly.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dreamslabs/etl-pipelines/internal/batch"
	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
	"github.com/dreamslabs/etl-pipelines/internal/warehouse"
)

const (
	ndjsonContentType = "application/x-ndjson"
	jsonContentType   = "application/json"
	writeTimeout      = 2 * time.Minute
)

// Store is an ArtifactStore and PlanStore backed by one bucket prefix.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewStore returns a Store writing under gs://bucket/prefix.
func NewStore(client *storage.Client, bucket, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs.NewStore: storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("gcs.NewStore: bucket is required")
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// URI returns the gs:// address of a batch artifact.
func (s *Store) URI(batchNumber int) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, batchObject(s.prefix, batchNumber))
}

// WriteBatch implements warehouse.ArtifactStore. The object is replaced
// when the batch is recomputed.
func (s *Store) WriteBatch(ctx context.Context, batchNumber int, records []domain.ProfitRecord) (domain.BatchResult, error) {
	object := batchObject(s.prefix, batchNumber)
	if err := s.write(ctx, object, ndjsonContentType, func(w io.Writer) error {
		return EncodeRecords(w, records)
	}); err != nil {
		return domain.BatchResult{}, fmt.Errorf("WriteBatch: batch %d: %w", batchNumber, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("object", object).
		Int("rows", len(records)).
		Msg("Wrote batch artifact")

	return domain.BatchResult{
		BatchNumber: batchNumber,
		RowCount:    int64(len(records)),
		ArtifactURI: s.URI(batchNumber),
	}, nil
}

// ReadBatch implements warehouse.ArtifactStore.
func (s *Store) ReadBatch(ctx context.Context, batchNumber int) ([]domain.ProfitRecord, error) {
	rc, err := s.client.Bucket(s.bucket).Object(batchObject(s.prefix, batchNumber)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("ReadBatch: batch %d: %w", batchNumber, err)
	}
	defer rc.Close()

	records, err := DecodeRecords(rc)
	if err != nil {
		return nil, fmt.Errorf("ReadBatch: batch %d: %w", batchNumber, err)
	}
	return records, nil
}

// DeleteBatch implements warehouse.ArtifactStore. Deleting a missing
// artifact is not an error.
func (s *Store) DeleteBatch(ctx context.Context, batchNumber int) error {
	err := s.client.Bucket(s.bucket).Object(batchObject(s.prefix, batchNumber)).Delete(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("DeleteBatch: batch %d: %w", batchNumber, err)
	}
	return nil
}

// ListBatches implements warehouse.ArtifactStore.
func (s *Store) ListBatches(ctx context.Context) ([]int, error) {
	query := &storage.Query{Prefix: path.Join(s.prefix, "batches") + "/"}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("ListBatches: %w", err)
	}

	var numbers []int
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListBatches: iterate objects: %w", err)
		}
		if n, ok := batchNumberFromObject(attrs.Name); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	return numbers, nil
}

// SavePlan implements warehouse.PlanStore.
func (s *Store) SavePlan(ctx context.Context, plan *batch.Plan) error {
	err := s.write(ctx, s.planObject(), jsonContentType, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(plan)
	})
	if err != nil {
		return fmt.Errorf("SavePlan: %w", err)
	}
	return nil
}

// LoadPlan implements warehouse.PlanStore.
func (s *Store) LoadPlan(ctx context.Context) (*batch.Plan, error) {
	rc, err := s.client.Bucket(s.bucket).Object(s.planObject()).NewReader(ctx)
	if isNotFound(err) {
		return nil, warehouse.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("LoadPlan: %w", err)
	}
	defer rc.Close()

	var plan batch.Plan
	if err := json.NewDecoder(rc).Decode(&plan); err != nil {
		return nil, fmt.Errorf("LoadPlan: decode: %w", err)
	}
	return &plan, nil
}

// DeletePlan implements warehouse.PlanStore.
func (s *Store) DeletePlan(ctx context.Context) error {
	err := s.client.Bucket(s.bucket).Object(s.planObject()).Delete(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("DeletePlan: %w", err)
	}
	return nil
}

func (s *Store) planObject() string {
	return path.Join(s.prefix, "plan.json")
}

func (s *Store) write(ctx context.Context, object, contentType string, encode func(io.Writer) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType

	if err := encode(w); err != nil {
		// Closing after a failed encode would commit a partial object;
		// cancelling the context aborts the upload instead.
		cancel()
		_ = w.Close()
		return fmt.Errorf("encode %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload of %s: %w", object, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

var (
	_ warehouse.ArtifactStore = (*Store)(nil)
	_ warehouse.PlanStore     = (*Store)(nil)
)
