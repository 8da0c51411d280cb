// Package layers maps indicator outputs to clamped integer layer scores.
// Three composite scorers (SMC, indicators, derivatives) feed the weighted
// aggregation; the eight-way breakdown is a presentation view derived from
// the same kernels.
package layers

import (
	"fmt"

	"github.com/confluxscan/confluxscan/internal/domain/indicators"
	"github.com/confluxscan/confluxscan/internal/marketdata"
)

// Clamp bands per layer.
const (
	SMCBand        = 30
	IndicatorsBand = 20
	DerivsBand     = 15
	ViewBand       = 12 // per-layer band in the eight-way breakdown
)

// Score is one layer's contribution.
type Score struct {
	Score      int      `json:"score"`
	Reasons    []string `json:"reasons,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

func clamp(v, band int) int {
	if v > band {
		return band
	}
	if v < -band {
		return -band
	}
	return v
}

// SMC scores swing structure into [-30, +30].
func SMC(candles []marketdata.Candle) Score {
	bias := indicators.SMC(candles)
	if bias == nil {
		return Score{Reasons: []string{"smc: insufficient candles"}}
	}
	sign := 0
	switch bias.Bias {
	case "bullish":
		sign = 1
	case "bearish":
		sign = -1
	default:
		return Score{Reasons: []string{"smc: neutral structure"}}
	}

	s := Score{
		Score:      clamp(sign*3*bias.Strength, SMCBand),
		Confidence: float64(bias.Strength) / 10,
	}
	s.Reasons = append(s.Reasons, fmt.Sprintf("smc: %s structure strength %d", bias.Bias, bias.Strength))
	if bias.BreakOfStructure {
		s.Reasons = append(s.Reasons, "smc: break of structure")
	}
	if bias.OrderBlockReclaim {
		s.Reasons = append(s.Reasons, "smc: order block reclaim")
	}
	return s
}

// Indicators scores the EMA/RSI/ADX stack into [-20, +20].
func Indicators(candles []marketdata.Candle) Score {
	closes := indicators.Closes(candles)
	if len(closes) < indicators.MinCandles {
		return Score{Reasons: []string{"indicators: insufficient candles"}}
	}

	var s Score
	ema20 := indicators.EMA(closes, 20)
	ema50 := indicators.EMA(closes, 50)
	last := len(closes) - 1
	trendUp := ema20[last] > ema50[last]

	if trendUp {
		s.Score += 8
		s.Reasons = append(s.Reasons, "ema20 above ema50")
	} else if ema20[last] < ema50[last] {
		s.Score -= 8
		s.Reasons = append(s.Reasons, "ema20 below ema50")
	}
	if closes[last] > ema20[last] {
		s.Score += 4
		s.Reasons = append(s.Reasons, "price above ema20")
	} else if closes[last] < ema20[last] {
		s.Score -= 4
		s.Reasons = append(s.Reasons, "price below ema20")
	}

	if rsi := indicators.RSI(closes, 14); rsi != nil {
		switch {
		case *rsi > 70:
			s.Score -= 3
			s.Reasons = append(s.Reasons, fmt.Sprintf("rsi %.0f overbought", *rsi))
		case *rsi > 55:
			s.Score += 5
			s.Reasons = append(s.Reasons, fmt.Sprintf("rsi %.0f bullish", *rsi))
		case *rsi >= 45:
			s.Reasons = append(s.Reasons, fmt.Sprintf("rsi %.0f neutral", *rsi))
		case *rsi >= 30:
			s.Score -= 5
			s.Reasons = append(s.Reasons, fmt.Sprintf("rsi %.0f bearish", *rsi))
		default:
			s.Score += 3
			s.Reasons = append(s.Reasons, fmt.Sprintf("rsi %.0f oversold", *rsi))
		}
	}

	if adx := indicators.ADXProxy(candles, 14); adx != nil && *adx > 25 {
		if trendUp {
			s.Score += 3
		} else {
			s.Score -= 3
		}
		s.Reasons = append(s.Reasons, fmt.Sprintf("adx proxy %.0f trending", *adx))
	}

	s.Score = clamp(s.Score, IndicatorsBand)
	return s
}

// Derivatives scores OI and funding into [-15, +15].
func Derivatives(d marketdata.Derivatives) Score {
	read := indicators.ReadDerivatives(d)
	var s Score

	switch read.OISignal {
	case "buildup":
		if *d.OIChangePct >= 1.5 {
			s.Score += 6
		} else {
			s.Score += 3
		}
		s.Reasons = append(s.Reasons, fmt.Sprintf("oi +%.1f%% buildup", *d.OIChangePct))
	case "unwind":
		if *d.OIChangePct <= -1.5 {
			s.Score -= 6
		} else {
			s.Score -= 3
		}
		s.Reasons = append(s.Reasons, fmt.Sprintf("oi %.1f%% unwind", *d.OIChangePct))
	case "flat":
		s.Reasons = append(s.Reasons, "oi flat")
	}

	switch read.FundingSignal {
	case "contrarian_cap":
		s.Score -= 5
		s.Reasons = append(s.Reasons, "funding elevated: contrarian cap")
	case "contrarian_floor":
		s.Score += 5
		s.Reasons = append(s.Reasons, "funding depressed: contrarian floor")
	}

	// Buildup without crowded longs (or unwind without crowded shorts) is
	// the cleaner read.
	if read.OISignal == "buildup" && read.FundingSignal != "contrarian_cap" {
		s.Score += 2
	}
	if read.OISignal == "unwind" && read.FundingSignal != "contrarian_floor" {
		s.Score -= 2
	}

	s.Score = clamp(s.Score, DerivsBand)
	return s
}

// View is the eight-way presentation breakdown.
type View struct {
	SMC         Score `json:"smc"`
	PriceAction Score `json:"price_action"`
	EMA         Score `json:"ema"`
	Momentum    Score `json:"momentum"` // RSI/MACD
	CVD         Score `json:"cvd"`
	Fibonacci   Score `json:"fibonacci"`
	Funding     Score `json:"funding"`
	OpenInt     Score `json:"open_interest"`
}

// BuildView derives the eight-layer breakdown. It is presentation only and
// never re-aggregated.
func BuildView(candles []marketdata.Candle, d marketdata.Derivatives) View {
	return View{
		SMC:         SMC(candles),
		PriceAction: priceAction(candles),
		EMA:         emaLayer(candles),
		Momentum:    momentumLayer(candles),
		CVD:         cvdLayer(candles),
		Fibonacci:   fibLayer(candles),
		Funding:     fundingLayer(d),
		OpenInt:     oiLayer(d),
	}
}

func priceAction(candles []marketdata.Candle) Score {
	if len(candles) < 20 {
		return Score{}
	}
	var s Score
	n := len(candles)
	up := 0
	for _, c := range candles[n-10:] {
		if c.Close > c.Open {
			up++
		}
	}
	switch {
	case up >= 7:
		s.Score = clamp(up, ViewBand)
		s.Reasons = []string{fmt.Sprintf("%d of last 10 candles bullish", up)}
	case up <= 3:
		s.Score = clamp(-(10 - up), ViewBand)
		s.Reasons = []string{fmt.Sprintf("%d of last 10 candles bullish", up)}
	}
	return s
}

func emaLayer(candles []marketdata.Candle) Score {
	closes := indicators.Closes(candles)
	if len(closes) < 50 {
		return Score{}
	}
	ema20 := indicators.EMA(closes, 20)
	ema50 := indicators.EMA(closes, 50)
	last := len(closes) - 1
	switch {
	case ema20[last] > ema50[last]:
		return Score{Score: 10, Reasons: []string{"ema stack bullish"}}
	case ema20[last] < ema50[last]:
		return Score{Score: -10, Reasons: []string{"ema stack bearish"}}
	}
	return Score{}
}

func momentumLayer(candles []marketdata.Candle) Score {
	closes := indicators.Closes(candles)
	var s Score
	if rsi := indicators.RSI(closes, 14); rsi != nil {
		s.Score += clamp(int((*rsi-50)/5), 6)
		s.Reasons = append(s.Reasons, fmt.Sprintf("rsi %.0f", *rsi))
	}
	if m := indicators.MACD(closes); m != nil {
		if m.Histogram > 0 {
			s.Score += 4
			s.Reasons = append(s.Reasons, "macd histogram positive")
		} else if m.Histogram < 0 {
			s.Score -= 4
			s.Reasons = append(s.Reasons, "macd histogram negative")
		}
	}
	s.Score = clamp(s.Score, ViewBand)
	return s
}

func cvdLayer(candles []marketdata.Candle) Score {
	res := indicators.CVD(candles, 20)
	if res == nil {
		return Score{}
	}
	switch res.DominantSide {
	case "buyers":
		return Score{Score: 8, Reasons: []string{"cvd: buyers dominant"}}
	case "sellers":
		return Score{Score: -8, Reasons: []string{"cvd: sellers dominant"}}
	}
	return Score{Reasons: []string{"cvd: balanced"}}
}

func fibLayer(candles []marketdata.Candle) Score {
	z := indicators.Fib(candles)
	if z == nil {
		return Score{}
	}
	if z.InGoldenZone {
		// Golden-zone pullback argues for continuation of the swing.
		if z.Direction == "up" {
			return Score{Score: 8, Reasons: []string{"golden zone pullback in uptrend"}}
		}
		return Score{Score: -8, Reasons: []string{"golden zone pullback in downtrend"}}
	}
	return Score{Reasons: []string{"outside golden zone"}}
}

func fundingLayer(d marketdata.Derivatives) Score {
	switch indicators.ReadDerivatives(d).FundingSignal {
	case "contrarian_cap":
		return Score{Score: -8, Reasons: []string{"funding elevated"}}
	case "contrarian_floor":
		return Score{Score: 8, Reasons: []string{"funding depressed"}}
	case "neutral":
		return Score{Reasons: []string{"funding neutral"}}
	}
	return Score{}
}

func oiLayer(d marketdata.Derivatives) Score {
	switch indicators.ReadDerivatives(d).OISignal {
	case "buildup":
		return Score{Score: 8, Reasons: []string{fmt.Sprintf("oi +%.1f%%", *d.OIChangePct)}}
	case "unwind":
		return Score{Score: -8, Reasons: []string{fmt.Sprintf("oi %.1f%%", *d.OIChangePct)}}
	case "flat":
		return Score{Reasons: []string{"oi flat"}}
	}
	return Score{}
}
