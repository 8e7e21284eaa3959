package profits

import (
	"sort"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

// DefaultOverageMaxWallets is the largest number of overage wallets a coin
// may have before its market cap data is considered unreliable.
const DefaultOverageMaxWallets = 20

// MarketCaps indexes the positive market caps found in prices.
func MarketCaps(prices []domain.PricePoint) map[domain.CoinDate]float64 {
	caps := make(map[domain.CoinDate]float64)
	for _, p := range prices {
		if p.MarketCap == nil || *p.MarketCap <= 0 {
			continue
		}
		caps[domain.CoinDate{CoinID: p.CoinID, Date: domain.Day(p.Date)}] = *p.MarketCap
	}
	return caps
}

// ExcludeOverageWallets removes wallet-coin pairs whose USD balance exceeded
// the coin's market cap on any date. These are almost always deployers,
// bridges or other contracts. When a coin has more than maxWallets such
// pairs the market cap data itself is suspect and nothing is removed for
// that coin.
//
// It returns the kept records and the excluded pairs in sorted order.
func ExcludeOverageWallets(records []domain.ProfitRecord, caps map[domain.CoinDate]float64, maxWallets int) ([]domain.ProfitRecord, []domain.PairKey) {
	if len(caps) == 0 || len(records) == 0 {
		return records, nil
	}

	overage := make(map[domain.PairKey]struct{})
	perCoin := make(map[string]int)
	for _, r := range records {
		mc, ok := caps[domain.CoinDate{CoinID: r.CoinID, Date: domain.Day(r.Date)}]
		if !ok || r.USDBalance <= mc {
			continue
		}
		key := domain.PairKey{CoinID: r.CoinID, WalletAddress: r.WalletAddress}
		if _, seen := overage[key]; seen {
			continue
		}
		overage[key] = struct{}{}
		perCoin[r.CoinID]++
	}

	excluded := make(map[domain.PairKey]struct{}, len(overage))
	for key := range overage {
		if perCoin[key.CoinID] <= maxWallets {
			excluded[key] = struct{}{}
		}
	}
	if len(excluded) == 0 {
		return records, nil
	}

	kept := make([]domain.ProfitRecord, 0, len(records))
	for _, r := range records {
		if _, drop := excluded[domain.PairKey{CoinID: r.CoinID, WalletAddress: r.WalletAddress}]; drop {
			continue
		}
		kept = append(kept, r)
	}

	pairs := make([]domain.PairKey, 0, len(excluded))
	for key := range excluded {
		pairs = append(pairs, key)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].CoinID != pairs[j].CoinID {
			return pairs[i].CoinID < pairs[j].CoinID
		}
		return pairs[i].WalletAddress < pairs[j].WalletAddress
	})

	return kept, pairs
}
