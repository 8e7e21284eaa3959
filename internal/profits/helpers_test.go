package profits

import (
	"time"

	"github.com/dreamslabs/etl-pipelines/internal/domain"
)

func day(n int) time.Time {
	return time.Date(2024, time.January, n, 0, 0, 0, 0, time.UTC)
}

func f64(v float64) *float64 { return &v }

func transfer(coin, wallet string, d int, net, balance float64) domain.TransferRecord {
	return domain.TransferRecord{CoinID: coin, WalletAddress: wallet, Date: day(d), NetTransfers: net, Balance: balance}
}

func price(coin string, d int, p float64) domain.PricePoint {
	return domain.PricePoint{CoinID: coin, Date: day(d), Price: p}
}

func priced(coin, wallet string, d int, net, balance, p float64) domain.PricedTransfer {
	return domain.PricedTransfer{CoinID: coin, WalletAddress: wallet, Date: day(d), NetTransfers: net, Balance: balance, Price: f64(p)}
}
