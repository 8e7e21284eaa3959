package domain

import (
	"time"
)

// TransferRecord is one day of on-chain activity for a wallet-coin pair.
// Balance is the running sum of NetTransfers for the pair up to and
// including Date; that invariant is owned by the upstream transfers table.
type TransferRecord struct {
	CoinID        string
	WalletAddress string
	Date          time.Time
	NetTransfers  float64 // signed token quantity moved on Date
	Balance       float64 // token quantity held at end of Date
}

// PricePoint is the observed price of a coin on a date.
type PricePoint struct {
	CoinID string
	Date   time.Time
	Price  float64

	// MarketCap is nil when the market data row carries no market cap.
	MarketCap *float64
}

// PricedTransfer is a transfer row with its price attached. It is the
// output of reconciliation and the input of the profitability calculator.
type PricedTransfer struct {
	CoinID        string
	WalletAddress string
	Date          time.Time
	NetTransfers  float64
	Balance       float64
	Price         *float64 // nil when no price exists for (CoinID, Date)

	// Imputed marks a row synthesized at the coin's first price date to
	// carry holdings accumulated before price coverage began.
	Imputed bool
}

// ProfitRecord is one row of the coin_wallet_profits table.
type ProfitRecord struct {
	CoinID        string    `json:"coin_id"`
	WalletAddress string    `json:"wallet_address"`
	Date          time.Time `json:"date"`

	NetTransfers float64 `json:"net_transfers"`
	Balance      float64 `json:"balance"`
	Price        float64 `json:"price"`

	ProfitsChange     float64 `json:"profits_change"`
	ProfitsCumulative float64 `json:"profits_cumulative"`

	USDBalance           float64 `json:"usd_balance"`
	USDNetTransfers      float64 `json:"usd_net_transfers"`
	USDInflows           float64 `json:"usd_inflows"`
	USDInflowsCumulative float64 `json:"usd_inflows_cumulative"`

	// TotalReturn is nil while cumulative USD inflows are zero.
	TotalReturn *float64 `json:"total_return"`
}

// PairKey identifies a wallet-coin pair.
type PairKey struct {
	CoinID        string
	WalletAddress string
}

// CoinDate identifies a coin on a calendar day.
type CoinDate struct {
	CoinID string
	Date   time.Time
}

// Day truncates t to midnight UTC so that dates coming from different
// sources compare equal.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BatchResult describes the intermediate artifact written for one batch.
type BatchResult struct {
	BatchNumber int    `json:"batch_number"`
	RowCount    int64  `json:"row_count"`
	ArtifactURI string `json:"artifact_uri"`
}
