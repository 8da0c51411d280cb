package layers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxscan/confluxscan/internal/marketdata"
)

func candlesFromCloses(closes []float64) []marketdata.Candle {
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	out := make([]marketdata.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		open := prev
		hi, lo := open, open
		if c > hi {
			hi = c
		}
		if c < lo {
			lo = c
		}
		out[i] = marketdata.Candle{
			OpenTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:     open, High: hi + 0.1, Low: lo - 0.1, Close: c, Volume: 1000,
		}
		prev = c
	}
	return out
}

func trending(n int, up bool) []marketdata.Candle {
	closes := make([]float64, n)
	for i := range closes {
		if up {
			closes[i] = 100 + float64(i)
		} else {
			closes[i] = 100 + float64(n) - float64(i)
		}
	}
	return candlesFromCloses(closes)
}

func choppy(n int) []marketdata.Candle {
	closes := make([]float64, n)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 100.5
		}
	}
	return candlesFromCloses(closes)
}

func fp(v float64) *float64 { return &v }

func TestSMC_Bands(t *testing.T) {
	for _, candles := range [][]marketdata.Candle{
		trending(80, true), trending(80, false), choppy(80), trending(10, true),
	} {
		s := SMC(candles)
		assert.GreaterOrEqual(t, s.Score, -SMCBand)
		assert.LessOrEqual(t, s.Score, SMCBand)
	}

	up := SMC(trending(80, true))
	assert.Greater(t, up.Score, 0)
	require.NotEmpty(t, up.Reasons)

	down := SMC(trending(80, false))
	assert.Less(t, down.Score, 0)
}

func TestIndicators_Bands(t *testing.T) {
	up := Indicators(trending(80, true))
	assert.Greater(t, up.Score, 0)
	assert.LessOrEqual(t, up.Score, IndicatorsBand)

	down := Indicators(trending(80, false))
	assert.Less(t, down.Score, 0)
	assert.GreaterOrEqual(t, down.Score, -IndicatorsBand)

	short := Indicators(trending(30, true))
	assert.Zero(t, short.Score)
	assert.Contains(t, short.Reasons[0], "insufficient")
}

func TestDerivatives_Bands(t *testing.T) {
	cases := []marketdata.Derivatives{
		{OIChangePct: fp(2.0), FundingRate: fp(0.0)},
		{OIChangePct: fp(-2.0), FundingRate: fp(0.0)},
		{OIChangePct: fp(5.0), FundingRate: fp(-0.002)},
		{OIChangePct: fp(-5.0), FundingRate: fp(0.002)},
		{},
	}
	for _, d := range cases {
		s := Derivatives(d)
		assert.GreaterOrEqual(t, s.Score, -DerivsBand)
		assert.LessOrEqual(t, s.Score, DerivsBand)
	}

	buildup := Derivatives(marketdata.Derivatives{OIChangePct: fp(2.0), FundingRate: fp(0.0)})
	assert.Equal(t, 8, buildup.Score)

	unwind := Derivatives(marketdata.Derivatives{OIChangePct: fp(-2.0), FundingRate: fp(0.0)})
	assert.Equal(t, -8, unwind.Score)

	// Absent derivatives contribute zero, not an error.
	assert.Zero(t, Derivatives(marketdata.Derivatives{}).Score)
}

func TestDerivatives_ContrarianFunding(t *testing.T) {
	capped := Derivatives(marketdata.Derivatives{FundingRate: fp(0.001)})
	assert.Equal(t, -5, capped.Score)

	floored := Derivatives(marketdata.Derivatives{FundingRate: fp(-0.001)})
	assert.Equal(t, 5, floored.Score)
}

func TestBuildView_Bands(t *testing.T) {
	d := marketdata.Derivatives{OIChangePct: fp(2.0), FundingRate: fp(0.001)}
	for _, candles := range [][]marketdata.Candle{
		trending(80, true), trending(80, false), choppy(80),
	} {
		v := BuildView(candles, d)
		for name, s := range map[string]Score{
			"price_action": v.PriceAction,
			"ema":          v.EMA,
			"momentum":     v.Momentum,
			"cvd":          v.CVD,
			"fibonacci":    v.Fibonacci,
			"funding":      v.Funding,
			"open_int":     v.OpenInt,
		} {
			assert.GreaterOrEqual(t, s.Score, -ViewBand, name)
			assert.LessOrEqual(t, s.Score, ViewBand, name)
		}
		assert.GreaterOrEqual(t, v.SMC.Score, -SMCBand)
		assert.LessOrEqual(t, v.SMC.Score, SMCBand)
	}
}

func TestBuildView_Directional(t *testing.T) {
	v := BuildView(trending(80, true), marketdata.Derivatives{OIChangePct: fp(2.0)})
	assert.Greater(t, v.EMA.Score, 0)
	assert.Greater(t, v.PriceAction.Score, 0)
	assert.Greater(t, v.CVD.Score, 0)
	assert.Greater(t, v.OpenInt.Score, 0)

	v = BuildView(trending(80, false), marketdata.Derivatives{OIChangePct: fp(-2.0)})
	assert.Less(t, v.EMA.Score, 0)
	assert.Less(t, v.CVD.Score, 0)
	assert.Less(t, v.OpenInt.Score, 0)
}
