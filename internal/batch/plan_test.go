package batch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		coins     []string
		batchSize int
		want      [][]string
	}{
		{
			name:      "single partial batch",
			coins:     []string{"solana", "bitcoin"},
			batchSize: 100,
			want:      [][]string{{"bitcoin", "solana"}},
		},
		{
			name:      "exact multiple",
			coins:     []string{"d", "c", "b", "a"},
			batchSize: 2,
			want:      [][]string{{"a", "b"}, {"c", "d"}},
		},
		{
			name:      "remainder in last batch",
			coins:     []string{"e", "a", "d", "b", "c"},
			batchSize: 2,
			want:      [][]string{{"a", "b"}, {"c", "d"}, {"e"}},
		},
		{
			name:      "duplicates and empty ids ignored",
			coins:     []string{"b", "a", "b", ""},
			batchSize: 1,
			want:      [][]string{{"a"}, {"b"}},
		},
		{
			name:      "ids kept byte for byte",
			coins:     []string{"btc ", "btc", " btc", "btc"},
			batchSize: 10,
			want:      [][]string{{" btc", "btc", "btc "}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Partition(tt.coins, tt.batchSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Batches)
			assert.Equal(t, len(tt.want), plan.BatchCount())
			assert.NoError(t, plan.Validate())
		})
	}
}

func TestPartition_Deterministic(t *testing.T) {
	var coins []string
	for i := 0; i < 250; i++ {
		coins = append(coins, fmt.Sprintf("coin-%03d", i))
	}
	reversed := make([]string, len(coins))
	for i, c := range coins {
		reversed[len(coins)-1-i] = c
	}

	a, err := Partition(coins, DefaultSize)
	require.NoError(t, err)
	b, err := Partition(reversed, DefaultSize)
	require.NoError(t, err)

	assert.Equal(t, a.Batches, b.Batches)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, 3, a.BatchCount())
	assert.Equal(t, 250, a.CoinCount())
	assert.Equal(t, []int{0, 1, 2}, a.BatchNumbers())

	c, err := Partition(coins, 50)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestPartition_Errors(t *testing.T) {
	_, err := Partition([]string{"a"}, 0)
	var inputErr *domain.InputError
	require.ErrorAs(t, err, &inputErr)

	_, err = Partition(nil, 10)
	assert.True(t, errors.Is(err, domain.ErrNoEligibleCoins))
}

func TestPlan_CoinsFor(t *testing.T) {
	plan, err := Partition([]string{"a", "b", "c"}, 2)
	require.NoError(t, err)

	coins, err := plan.CoinsFor(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, coins)

	coins[0] = "mutated"
	again, _ := plan.CoinsFor(1)
	assert.Equal(t, []string{"c"}, again)

	_, err = plan.CoinsFor(2)
	var inputErr *domain.InputError
	require.ErrorAs(t, err, &inputErr)

	_, err = plan.CoinsFor(-1)
	require.ErrorAs(t, err, &inputErr)
}

func TestPlan_ValidateDetectsTampering(t *testing.T) {
	plan, err := Partition([]string{"a", "b", "c"}, 2)
	require.NoError(t, err)

	plan.Batches[1] = []string{"z"}
	assert.Error(t, plan.Validate())

	plan, _ = Partition([]string{"a", "b", "c"}, 2)
	plan.Batches = [][]string{{"a"}, {"b", "c"}}
	assert.Error(t, plan.Validate())
}
