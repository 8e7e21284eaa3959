package gcs

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

func TestEncodeRecords_NDJSON(t *testing.T) {
	ret := 0.25
	records := []domain.ProfitRecord{
		{CoinID: "btc", WalletAddress: "0xabc", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Price: 2, TotalReturn: &ret},
		{CoinID: "btc", WalletAddress: "0xdef", Date: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeRecords(&buf, records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"date":"2024-01-02T00:00:00Z"`)
	assert.Contains(t, lines[0], `"total_return":0.25`)
	assert.Contains(t, lines[1], `"total_return":null`)

	decoded, err := DecodeRecords(strings.NewReader(buf.String() + "\n\n"))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, decoded[0].Date.Equal(records[0].Date))
	assert.Nil(t, decoded[1].TotalReturn)
}

func TestDecodeRecords_Malformed(t *testing.T) {
	_, err := DecodeRecords(strings.NewReader("{\"coin_id\":\"a\"}\n{not json}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"gs://bucket/a/b.json", "bucket", "a/b.json", false},
		{"gs://bucket", "", "", true},
		{"gs:///obj", "", "", true},
		{"s3://bucket/a", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantObject, object)
		})
	}
}

func TestBatchObjectNames(t *testing.T) {
	name := batchObject("coin_wallet_profits", 42)
	assert.Equal(t, "coin_wallet_profits/batches/batch_00042.json", name)

	n, ok := batchNumberFromObject(name)
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = batchNumberFromObject("coin_wallet_profits/plan.json")
	assert.False(t, ok)
}
