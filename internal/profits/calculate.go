package profits

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
	"github.com/dreamslabs/etl-pipelines/internal/logger"
)

// pairState carries the running values of one wallet-coin pair through the
// sequential scan. Sums are kept in decimal so that cumulative columns do not
// drift from the per-period values they are built from.
type pairState struct {
	key         domain.PairKey
	lastDate    time.Time
	prevPrice   decimal.Decimal
	prevBalance decimal.Decimal
	profitsCum  decimal.Decimal
	inflowsCum  decimal.Decimal
}

// Calculate computes per-period and cumulative profitability for a reconciled
// series. Records are processed per (coin_id, wallet_address) in date order;
// the output follows the same ordering.
//
// A nil price, a non-finite quantity, or repeated dates within a pair
// return a *domain.DataIntegrityError. Reconcile never produces any of
// these, so seeing one indicates a defect upstream.
func Calculate(ctx context.Context, records []domain.PricedTransfer) ([]domain.ProfitRecord, error) {
	log := logger.FromContext(ctx)

	for _, r := range records {
		if r.Price == nil {
			return nil, &domain.DataIntegrityError{
				CoinID: r.CoinID, WalletAddress: r.WalletAddress, Date: r.Date,
				Reason: "missing price reached the profitability calculator",
			}
		}
		if !finite(*r.Price) || !finite(r.NetTransfers) || !finite(r.Balance) {
			return nil, &domain.DataIntegrityError{
				CoinID: r.CoinID, WalletAddress: r.WalletAddress, Date: r.Date,
				Reason: "non-finite value reached the profitability calculator",
			}
		}
	}

	ordered := make([]domain.PricedTransfer, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.CoinID != b.CoinID {
			return a.CoinID < b.CoinID
		}
		if a.WalletAddress != b.WalletAddress {
			return a.WalletAddress < b.WalletAddress
		}
		return a.Date.Before(b.Date)
	})

	out := make([]domain.ProfitRecord, 0, len(ordered))
	var st *pairState

	for _, r := range ordered {
		key := domain.PairKey{CoinID: r.CoinID, WalletAddress: r.WalletAddress}
		price := decimal.NewFromFloat(*r.Price)
		balance := decimal.NewFromFloat(r.Balance)
		net := decimal.NewFromFloat(r.NetTransfers)

		if st == nil || st.key != key {
			// The first row of a pair carries no prior holdings, so its
			// profit change is always zero.
			st = &pairState{
				key:         key,
				prevPrice:   price,
				prevBalance: decimal.Zero,
				profitsCum:  decimal.Zero,
				inflowsCum:  decimal.Zero,
			}
		} else if !r.Date.After(st.lastDate) {
			return nil, &domain.DataIntegrityError{
				CoinID: r.CoinID, WalletAddress: r.WalletAddress, Date: r.Date,
				Reason: "dates are not strictly increasing within the pair",
			}
		}

		change := price.Sub(st.prevPrice).Mul(st.prevBalance)
		st.profitsCum = st.profitsCum.Add(change)

		usdBalance := balance.Mul(price)
		usdNet := net.Mul(price)
		inflows := decimal.Max(usdNet, decimal.Zero)
		st.inflowsCum = st.inflowsCum.Add(inflows)

		var totalReturn *float64
		if !st.inflowsCum.IsZero() {
			v := st.profitsCum.Div(st.inflowsCum).InexactFloat64()
			totalReturn = &v
		}

		out = append(out, domain.ProfitRecord{
			CoinID:               r.CoinID,
			WalletAddress:        r.WalletAddress,
			Date:                 r.Date,
			NetTransfers:         r.NetTransfers,
			Balance:              r.Balance,
			Price:                *r.Price,
			ProfitsChange:        change.InexactFloat64(),
			ProfitsCumulative:    st.profitsCum.InexactFloat64(),
			USDBalance:           usdBalance.InexactFloat64(),
			USDNetTransfers:      usdNet.InexactFloat64(),
			USDInflows:           inflows.InexactFloat64(),
			USDInflowsCumulative: st.inflowsCum.InexactFloat64(),
			TotalReturn:          totalReturn,
		})

		st.prevPrice = price
		st.prevBalance = balance
		st.lastDate = r.Date
	}

	log.Debug().Int("rows", len(out)).Msg("Calculated wallet profitability")

	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
