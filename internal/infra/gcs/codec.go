package gcs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

// maxLineSize bounds one NDJSON line.
const maxLineSize = 1 << 20

// EncodeRecords writes records as newline-delimited JSON, the format
// BigQuery load jobs read.
func EncodeRecords(w io.Writer, records []domain.ProfitRecord) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("EncodeRecords: record %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("EncodeRecords: flush: %w", err)
	}
	return nil
}

// DecodeRecords reads newline-delimited JSON records. Blank lines are skipped.
func DecodeRecords(r io.Reader) ([]domain.ProfitRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var records []domain.ProfitRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var rec domain.ProfitRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("DecodeRecords: line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("DecodeRecords: %w", err)
	}
	return records, nil
}

// ParseURI splits gs://bucket/object into its parts.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// batchObject returns the object name of a batch artifact.
func batchObject(prefix string, batchNumber int) string {
	return path.Join(prefix, "batches", fmt.Sprintf("batch_%05d.json", batchNumber))
}

// batchNumberFromObject is the inverse of batchObject.
func batchNumberFromObject(name string) (int, bool) {
	base := path.Base(name)
	if !strings.HasPrefix(base, "batch_") || !strings.HasSuffix(base, ".json") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "batch_"), ".json"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
