// Package marketdata defines the upstream market-data contract consumed by
// the screening engine and provides the OKX REST implementation.
package marketdata

import (
	"context"
	"time"
)

// Candle is one closed OHLCV period, ascending in OpenTime within a fetch.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Derivatives carries the optional derivatives snapshot for a symbol.
type Derivatives struct {
	OIChangePct *float64 `json:"oi_change_pct,omitempty"`
	FundingRate *float64 `json:"funding_rate,omitempty"`
}

// Snapshot is the result of one fetch.
type Snapshot struct {
	Symbol      string      `json:"symbol"`
	Timeframe   string      `json:"timeframe"`
	Candles     []Candle    `json:"candles"`
	Derivatives Derivatives `json:"derivatives"`
}

// Client is the upstream capability the core consumes. Implementations must
// return candles strictly ascending in open time, at most limit rows.
type Client interface {
	Fetch(ctx context.Context, symbol, timeframe string, limit int) (*Snapshot, error)
}

// Timeframes supported by screener requests, mapped to upstream bar codes.
var Timeframes = map[string]string{
	"1m":  "1m",
	"3m":  "3m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "1H",
	"4h":  "4H",
	"1d":  "1D",
}

// TimeframeDuration returns the bar duration for a supported timeframe.
func TimeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	}
	return 0
}

// HigherTimeframe maps a primary timeframe to the one used for HTF bias.
func HigherTimeframe(tf string) string {
	switch tf {
	case "1m", "3m", "5m", "15m":
		return "4h"
	default:
		return "1d"
	}
}
