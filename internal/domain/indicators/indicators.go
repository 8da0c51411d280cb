// Package indicators holds the pure kernels behind the layer scorers. Every
// kernel is a function of its inputs and returns nil (or a zero-value flag)
// when the input is too short to evaluate.
package indicators

import (
	"math"

	"github.com/confluxscan/confluxscan/internal/marketdata"
)

// MinCandles is the warm-up the screening pipeline requires before any
// directional verdict (EMA50 plus slope window).
const MinCandles = 60

// swingLookback bars on each side when detecting swing points.
const swingLookback = 2

// Closes extracts the close series.
func Closes(candles []marketdata.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// EMA returns the exponential moving average series, seeded at the first
// value with k = 2/(period+1). Nil when the input is empty or the period is
// not positive.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI computes the relative strength index over the most recent period
// diffs using Wilder-style simple averages. Returns nil with fewer than
// period+1 values. AvgLoss of zero maps to 100.
func RSI(values []float64, period int) *float64 {
	if period <= 0 || len(values) < period+1 {
		return nil
	}
	var gain, loss float64
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss == 0 {
		v := 100.0
		return &v
	}
	rs := avgGain / avgLoss
	v := 100 - 100/(1+rs)
	return &v
}

// ATR is the simple average of the true range over the last period candles.
// Nil with fewer than period+1 candles.
func ATR(candles []marketdata.Candle, period int) *float64 {
	if period <= 0 || len(candles) < period+1 {
		return nil
	}
	var sum float64
	for i := len(candles) - period; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		if d := math.Abs(c.High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(c.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	v := sum / float64(period)
	return &v
}

// ADXProxy is the documented screening proxy, not Wilder ADX:
// min(100, max(0, 2*ATR/lastClose*100)).
func ADXProxy(candles []marketdata.Candle, period int) *float64 {
	atr := ATR(candles, period)
	if atr == nil || len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1].Close
	if last == 0 {
		return nil
	}
	v := math.Min(100, math.Max(0, 2**atr/last*100))
	return &v
}

// MACDResult carries the MACD line, its signal and the histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes EMA12-EMA26 with an EMA9 signal. Nil below 26 values.
func MACD(values []float64) *MACDResult {
	if len(values) < 26 {
		return nil
	}
	ema12 := EMA(values, 12)
	ema26 := EMA(values, 26)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = ema12[i] - ema26[i]
	}
	signal := EMA(line, 9)
	last := len(values) - 1
	return &MACDResult{
		MACD:      line[last],
		Signal:    signal[last],
		Histogram: line[last] - signal[last],
	}
}

// CVDResult summarizes the cumulative volume delta.
type CVDResult struct {
	Last         float64
	Slope        float64 // average delta per bar over the slope window
	DominantSide string  // "buyers" | "sellers" | "balanced"
}

// CVD accumulates sign(close-open)*volume and reads the dominant side from
// the sign and magnitude of the recent slope. Nil with no candles.
func CVD(candles []marketdata.Candle, slopeWindow int) *CVDResult {
	if len(candles) == 0 {
		return nil
	}
	if slopeWindow <= 0 {
		slopeWindow = 20
	}
	series := make([]float64, len(candles))
	var run float64
	var volSum float64
	for i, c := range candles {
		switch {
		case c.Close > c.Open:
			run += c.Volume
		case c.Close < c.Open:
			run -= c.Volume
		}
		series[i] = run
		volSum += c.Volume
	}
	if slopeWindow >= len(series) {
		slopeWindow = len(series) - 1
	}
	res := &CVDResult{Last: run, DominantSide: "balanced"}
	if slopeWindow < 1 {
		return res
	}
	res.Slope = (series[len(series)-1] - series[len(series)-1-slopeWindow]) / float64(slopeWindow)

	// Material when the per-bar delta exceeds 10% of the average bar volume.
	avgVol := volSum / float64(len(candles))
	if avgVol > 0 && math.Abs(res.Slope) > 0.1*avgVol {
		if res.Slope > 0 {
			res.DominantSide = "buyers"
		} else {
			res.DominantSide = "sellers"
		}
	}
	return res
}

// SMCBias is the swing-structure read.
type SMCBias struct {
	Bias              string // "bullish" | "bearish" | "neutral"
	Strength          int    // 0..10
	BreakOfStructure  bool
	OrderBlockReclaim bool
}

// SMC derives a directional bias from swing-structure cues: higher-high /
// higher-low structure, break of structure past the latest swing extreme and
// reclaim of the last opposing candle (order block). Monotonic series that
// never print interior swings fall back to the 20-bar trend read.
func SMC(candles []marketdata.Candle) *SMCBias {
	if len(candles) < 20 {
		return nil
	}
	highs, lows := swingPoints(candles)
	last := candles[len(candles)-1]

	var bullPts, bearPts int

	// Structure from the last two swings of each kind.
	if len(highs) >= 2 && len(lows) >= 2 {
		hh := candles[highs[len(highs)-1]].High > candles[highs[len(highs)-2]].High
		hl := candles[lows[len(lows)-1]].Low > candles[lows[len(lows)-2]].Low
		lh := candles[highs[len(highs)-1]].High < candles[highs[len(highs)-2]].High
		ll := candles[lows[len(lows)-1]].Low < candles[lows[len(lows)-2]].Low
		if hh && hl {
			bullPts += 3
		}
		if lh && ll {
			bearPts += 3
		}
	} else {
		// Trend fallback for series too monotonic to print swings.
		n := len(candles)
		if candles[n-1].Close > candles[n-20].Close {
			bullPts += 3
		} else if candles[n-1].Close < candles[n-20].Close {
			bearPts += 3
		}
	}

	bos := false
	if len(highs) > 0 && last.Close > candles[highs[len(highs)-1]].High {
		bullPts += 3
		bos = true
	}
	if len(lows) > 0 && last.Close < candles[lows[len(lows)-1]].Low {
		bearPts += 3
		bos = true
	}
	if !bos {
		// New extreme over the recent window counts as structural break too.
		hi, lo := rangeExtremes(candles, 50)
		if last.Close >= hi {
			bullPts += 3
			bos = true
		} else if last.Close <= lo {
			bearPts += 3
			bos = true
		}
	}

	reclaim := orderBlockReclaim(candles)
	switch reclaim {
	case 1:
		bullPts += 2
	case -1:
		bearPts += 2
	}

	// Close position within the recent range rounds out the strength.
	hi, lo := rangeExtremes(candles, 20)
	if hi > lo {
		pos := (last.Close - lo) / (hi - lo)
		if pos > 0.75 {
			bullPts += 2
		} else if pos < 0.25 {
			bearPts += 2
		}
	}

	out := &SMCBias{Bias: "neutral", BreakOfStructure: bos, OrderBlockReclaim: reclaim != 0}
	switch {
	case bullPts > bearPts:
		out.Bias = "bullish"
		out.Strength = min(10, bullPts-bearPts)
	case bearPts > bullPts:
		out.Bias = "bearish"
		out.Strength = min(10, bearPts-bullPts)
	}
	return out
}

// swingPoints returns indexes of swing highs and lows over swingLookback
// bars each side. Strict on the left, non-strict on the right so flat-topped
// reversals still register once.
func swingPoints(candles []marketdata.Candle) (highs, lows []int) {
	for i := swingLookback; i < len(candles)-swingLookback; i++ {
		isHigh, isLow := true, true
		for j := 1; j <= swingLookback; j++ {
			if candles[i].High <= candles[i-j].High || candles[i].High < candles[i+j].High {
				isHigh = false
			}
			if candles[i].Low >= candles[i-j].Low || candles[i].Low > candles[i+j].Low {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, i)
		}
		if isLow {
			lows = append(lows, i)
		}
	}
	return highs, lows
}

func rangeExtremes(candles []marketdata.Candle, window int) (hi, lo float64) {
	if window > len(candles) {
		window = len(candles)
	}
	hi = math.Inf(-1)
	lo = math.Inf(1)
	for _, c := range candles[len(candles)-window:] {
		hi = math.Max(hi, c.Close)
		lo = math.Min(lo, c.Close)
	}
	return hi, lo
}

// orderBlockReclaim returns +1 when the latest close reclaims the last
// bearish candle's high, -1 when it loses the last bullish candle's low,
// otherwise 0.
func orderBlockReclaim(candles []marketdata.Candle) int {
	last := candles[len(candles)-1]
	for i := len(candles) - 2; i >= 0 && i >= len(candles)-10; i-- {
		c := candles[i]
		if c.Close < c.Open { // last bearish block
			if last.Close > c.High {
				return 1
			}
			break
		}
	}
	for i := len(candles) - 2; i >= 0 && i >= len(candles)-10; i-- {
		c := candles[i]
		if c.Close > c.Open { // last bullish block
			if last.Close < c.Low {
				return -1
			}
			break
		}
	}
	return 0
}

// FibLevels are the retracement ratios evaluated per swing pair.
var FibLevels = []float64{0.236, 0.382, 0.5, 0.618, 0.786}

// FibZones describes the retracement of the most recent swing move.
type FibZones struct {
	SwingHigh    float64
	SwingLow     float64
	Direction    string // "up" when the low precedes the high
	Levels       map[string]float64
	GoldenLow    float64 // price edge of the 0.618 ratio
	GoldenHigh   float64 // price edge of the 0.786 ratio
	InGoldenZone bool
}

// Fib computes retracement levels from the most recent swing high/low pair.
// Nil when no pair is printed.
func Fib(candles []marketdata.Candle) *FibZones {
	highs, lows := swingPoints(candles)
	if len(highs) == 0 || len(lows) == 0 {
		return nil
	}
	hi := highs[len(highs)-1]
	lo := lows[len(lows)-1]
	high := candles[hi].High
	low := candles[lo].Low
	if high <= low {
		return nil
	}
	z := &FibZones{SwingHigh: high, SwingLow: low, Levels: make(map[string]float64, len(FibLevels))}
	span := high - low
	if lo < hi {
		z.Direction = "up"
		// retracement down from the high
		z.Levels["0.236"] = high - 0.236*span
		z.Levels["0.382"] = high - 0.382*span
		z.Levels["0.5"] = high - 0.5*span
		z.Levels["0.618"] = high - 0.618*span
		z.Levels["0.786"] = high - 0.786*span
		z.GoldenLow = z.Levels["0.786"]
		z.GoldenHigh = z.Levels["0.618"]
	} else {
		z.Direction = "down"
		z.Levels["0.236"] = low + 0.236*span
		z.Levels["0.382"] = low + 0.382*span
		z.Levels["0.5"] = low + 0.5*span
		z.Levels["0.618"] = low + 0.618*span
		z.Levels["0.786"] = low + 0.786*span
		z.GoldenLow = z.Levels["0.618"]
		z.GoldenHigh = z.Levels["0.786"]
	}
	lastClose := candles[len(candles)-1].Close
	z.InGoldenZone = lastClose >= math.Min(z.GoldenLow, z.GoldenHigh) &&
		lastClose <= math.Max(z.GoldenLow, z.GoldenHigh)
	return z
}

// DerivativesRead interprets the optional derivatives snapshot.
type DerivativesRead struct {
	OISignal      string // "buildup" | "unwind" | "flat" | "unknown"
	FundingSignal string // "contrarian_cap" | "contrarian_floor" | "neutral" | "unknown"
}

// Funding extremes treated as contrarian signals (per funding interval).
const (
	FundingCapThreshold   = 0.0005
	FundingFloorThreshold = -0.0005
	OIMaterialPct         = 0.5
)

// ReadDerivatives maps the snapshot onto qualitative signals; absent fields
// read as "unknown" and contribute nothing downstream.
func ReadDerivatives(d marketdata.Derivatives) DerivativesRead {
	out := DerivativesRead{OISignal: "unknown", FundingSignal: "unknown"}
	if d.OIChangePct != nil {
		switch {
		case *d.OIChangePct >= OIMaterialPct:
			out.OISignal = "buildup"
		case *d.OIChangePct <= -OIMaterialPct:
			out.OISignal = "unwind"
		default:
			out.OISignal = "flat"
		}
	}
	if d.FundingRate != nil {
		switch {
		case *d.FundingRate >= FundingCapThreshold:
			out.FundingSignal = "contrarian_cap"
		case *d.FundingRate <= FundingFloorThreshold:
			out.FundingSignal = "contrarian_floor"
		default:
			out.FundingSignal = "neutral"
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
