// Package profits reconciles wallet transfer history with coin price history
// and computes mark-to-market profitability for every wallet-coin pair.
package profits

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
)

// firstPrice is the earliest observed price of a coin.
type firstPrice struct {
	Date  time.Time
	Price float64
}

// Reconcile merges transfers with prices per wallet-coin pair and returns a
// priced series ordered by (coin_id, wallet_address, date).
//
// Transfers dated before a coin's first price are collapsed into a single
// imputed row on the first price date carrying the latest pre-price
// balance, unless the pair already has activity on that date. Rows without
// a price are dropped. The earliest surviving row of every pair is then
// treated as a full inflow of its balance, and leading rows are dropped
// until the pair's clipped cumulative inflow becomes positive.
//
// A pair with no transfers on or after the first price date contributes no
// rows.
func Reconcile(ctx context.Context, transfers []domain.TransferRecord, prices []domain.PricePoint) ([]domain.PricedTransfer, error) {
	log := logger.FromContext(ctx)

	if len(transfers) == 0 {
		return nil, &domain.InputError{Reason: "transfers input is empty"}
	}
	if len(prices) == 0 {
		return nil, &domain.InputError{Reason: "prices input is empty"}
	}

	priceIndex, firsts, err := indexPrices(prices)
	if err != nil {
		return nil, err
	}

	groups, keys, err := groupTransfers(transfers)
	if err != nil {
		return nil, err
	}

	var (
		out          []domain.PricedTransfer
		imputedPairs int
		emptyPairs   int
	)
	for _, key := range keys {
		rows := mergePrices(groups[key], priceIndex)

		if first, ok := firsts[key.CoinID]; ok {
			var imputed bool
			rows, imputed = imputeFirstPriceRow(rows, first)
			if imputed {
				imputedPairs++
			}
		}

		rows = dropUnpriced(rows)
		rows = bootstrap(rows)
		if len(rows) == 0 {
			emptyPairs++
			continue
		}
		out = append(out, rows...)
	}

	log.Debug().
		Int("transfers", len(transfers)).
		Int("prices", len(prices)).
		Int("pairs", len(keys)).
		Int("imputed_pairs", imputedPairs).
		Int("dropped_pairs", emptyPairs).
		Int("rows", len(out)).
		Msg("Reconciled transfers with prices")

	return out, nil
}

// indexPrices builds a (coin_id, date) price lookup and the first price of
// every coin.
func indexPrices(prices []domain.PricePoint) (map[domain.CoinDate]float64, map[string]firstPrice, error) {
	index := make(map[domain.CoinDate]float64, len(prices))
	firsts := make(map[string]firstPrice)

	for _, p := range prices {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
			return nil, nil, &domain.InputError{
				Reason: fmt.Sprintf("price for coin %s on %s is not a positive number: %v", p.CoinID, p.Date.Format("2006-01-02"), p.Price),
			}
		}

		key := domain.CoinDate{CoinID: p.CoinID, Date: domain.Day(p.Date)}
		if _, dup := index[key]; dup {
			return nil, nil, &domain.InputError{
				Reason: fmt.Sprintf("duplicate price for coin %s on %s", p.CoinID, key.Date.Format("2006-01-02")),
			}
		}
		index[key] = p.Price

		if f, ok := firsts[p.CoinID]; !ok || key.Date.Before(f.Date) {
			firsts[p.CoinID] = firstPrice{Date: key.Date, Price: p.Price}
		}
	}

	return index, firsts, nil
}

// groupTransfers splits transfers by wallet-coin pair, sorts each group by
// date and returns the pair keys in (coin_id, wallet_address) order.
func groupTransfers(transfers []domain.TransferRecord) (map[domain.PairKey][]domain.TransferRecord, []domain.PairKey, error) {
	groups := make(map[domain.PairKey][]domain.TransferRecord)
	for _, t := range transfers {
		if math.IsNaN(t.NetTransfers) || math.IsInf(t.NetTransfers, 0) || math.IsNaN(t.Balance) || math.IsInf(t.Balance, 0) {
			return nil, nil, &domain.InputError{
				Reason: fmt.Sprintf("non-finite transfer quantity for coin %s wallet %s on %s", t.CoinID, t.WalletAddress, t.Date.Format("2006-01-02")),
			}
		}
		t.Date = domain.Day(t.Date)
		key := domain.PairKey{CoinID: t.CoinID, WalletAddress: t.WalletAddress}
		groups[key] = append(groups[key], t)
	}

	keys := make([]domain.PairKey, 0, len(groups))
	for key, rows := range groups {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
		for i := 1; i < len(rows); i++ {
			if rows[i].Date.Equal(rows[i-1].Date) {
				return nil, nil, &domain.InputError{
					Reason: fmt.Sprintf("duplicate transfer row for coin %s wallet %s on %s", key.CoinID, key.WalletAddress, rows[i].Date.Format("2006-01-02")),
				}
			}
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CoinID != keys[j].CoinID {
			return keys[i].CoinID < keys[j].CoinID
		}
		return keys[i].WalletAddress < keys[j].WalletAddress
	})

	return groups, keys, nil
}

// mergePrices left-joins prices onto a pair's transfers.
func mergePrices(rows []domain.TransferRecord, index map[domain.CoinDate]float64) []domain.PricedTransfer {
	merged := make([]domain.PricedTransfer, len(rows))
	for i, t := range rows {
		merged[i] = domain.PricedTransfer{
			CoinID:        t.CoinID,
			WalletAddress: t.WalletAddress,
			Date:          t.Date,
			NetTransfers:  t.NetTransfers,
			Balance:       t.Balance,
		}
		if p, ok := index[domain.CoinDate{CoinID: t.CoinID, Date: t.Date}]; ok {
			price := p
			merged[i].Price = &price
		}
	}
	return merged
}

// imputeFirstPriceRow inserts a row on the coin's first price date when the
// pair has pre-price activity and nothing on that date. The row transfers in
// the balance held at the latest pre-price row.
func imputeFirstPriceRow(rows []domain.PricedTransfer, first firstPrice) ([]domain.PricedTransfer, bool) {
	lastPre := -1
	for i, r := range rows {
		if r.Date.Before(first.Date) {
			lastPre = i
			continue
		}
		if r.Date.Equal(first.Date) {
			return rows, false
		}
		break
	}
	if lastPre < 0 {
		return rows, false
	}

	price := first.Price
	pre := rows[lastPre]
	imputed := domain.PricedTransfer{
		CoinID:        pre.CoinID,
		WalletAddress: pre.WalletAddress,
		Date:          first.Date,
		NetTransfers:  pre.Balance,
		Balance:       pre.Balance,
		Price:         &price,
		Imputed:       true,
	}

	out := make([]domain.PricedTransfer, 0, len(rows)+1)
	out = append(out, rows[:lastPre+1]...)
	out = append(out, imputed)
	out = append(out, rows[lastPre+1:]...)
	return out, true
}

func dropUnpriced(rows []domain.PricedTransfer) []domain.PricedTransfer {
	kept := rows[:0]
	for _, r := range rows {
		if r.Price != nil {
			kept = append(kept, r)
		}
	}
	return kept
}

// bootstrap forces the earliest row's net transfers to its balance and drops
// leading rows whose clipped cumulative inflow is not positive. Once the
// first kept row has a positive inflow the clipped cumulative sum can not
// fall back to zero, so only leading rows are ever dropped. Each newly
// exposed first row is bootstrapped again.
func bootstrap(rows []domain.PricedTransfer) []domain.PricedTransfer {
	for len(rows) > 0 {
		rows[0].NetTransfers = rows[0].Balance
		if math.Max(rows[0].NetTransfers, 0) > 0 {
			break
		}
		rows = rows[1:]
	}
	return rows
}
