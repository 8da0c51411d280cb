// Package confluence turns layer scores into the final weighted verdict.
package confluence

import (
	"fmt"
	"math"

	"github.com/confluxscan/confluxscan/internal/domain/layers"
)

// Weights over the three canonical layer groups.
type Weights struct {
	SMC         float64 `yaml:"smc" json:"smc"`
	Indicators  float64 `yaml:"indicators" json:"indicators"`
	Derivatives float64 `yaml:"derivatives" json:"derivatives"`
}

// DefaultWeights per the screening contract.
func DefaultWeights() Weights {
	return Weights{SMC: 1.0, Indicators: 0.6, Derivatives: 0.5}
}

// Thresholds on the normalized 0-100 score.
type Thresholds struct {
	Buy  int `yaml:"buy" json:"buy"`
	Sell int `yaml:"sell" json:"sell"`
}

// DefaultThresholds returns buy 65 / sell 35.
func DefaultThresholds() Thresholds {
	return Thresholds{Buy: 65, Sell: 35}
}

// MTF reports the higher-timeframe tilt applied before normalization.
// Agreement flags are informational; the tilt alone never flips a label.
type MTF struct {
	HTFTimeframe string  `json:"htf_timeframe"`
	HTFBias      string  `json:"htf_bias"`
	AppliedTilt  float64 `json:"applied_tilt"`
	Agrees       bool    `json:"agrees"`
	Reason       string  `json:"reason,omitempty"`
}

// Result is the aggregated verdict for one symbol.
type Result struct {
	TotalScore      float64     `json:"total_score"`
	NormalizedScore int         `json:"normalized_score"`
	Label           string      `json:"label"` // BUY | SELL | HOLD
	Confidence      int         `json:"confidence"`
	RiskLevel       string      `json:"risk_level"` // low | medium | high
	Layers          layers.View `json:"layers"`
	Summary         string      `json:"summary"`
	MTF             *MTF        `json:"mtf,omitempty"`
}

// maxTilt bounds the additive MTF adjustment.
const maxTilt = 10.0

func normalize(total float64) int {
	n := int(math.Round((total + 30) / 60 * 100))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func labelFor(normalized int, th Thresholds) string {
	switch {
	case normalized >= th.Buy:
		return "BUY"
	case normalized <= th.Sell:
		return "SELL"
	}
	return "HOLD"
}

// Aggregate applies the weights, normalizes to 0-100 and assigns
// label/confidence/risk. Pure: identical inputs produce identical results.
func Aggregate(smc, ind, der layers.Score, view layers.View, w Weights, th Thresholds, mtf *MTF) Result {
	base := w.SMC*float64(smc.Score) + w.Indicators*float64(ind.Score) + w.Derivatives*float64(der.Score)
	total := base

	if mtf != nil {
		tilt := math.Max(-maxTilt, math.Min(maxTilt, mtf.AppliedTilt))
		mtf.AppliedTilt = tilt
		mtf.Agrees = (tilt > 0 && base > 0) || (tilt < 0 && base < 0)
		total += tilt
	}

	normalized := normalize(total)

	label := labelFor(normalized, th)
	if mtf != nil && !mtf.Agrees && label != "HOLD" && labelFor(normalize(base), th) == "HOLD" {
		// A disagreeing or unconfirmed tilt never creates a verdict on its own.
		label = "HOLD"
	}

	confidence := int(math.Min(100, math.Abs(float64(normalized)-50)*2))

	risk := "medium"
	if normalized <= 30 {
		risk = "high"
	} else if normalized >= 80 && mtf != nil && mtf.Agrees {
		// Low risk requires explicit HTF alignment on top of strong confluence.
		risk = "low"
	}

	return Result{
		TotalScore:      total,
		NormalizedScore: normalized,
		Label:           label,
		Confidence:      confidence,
		RiskLevel:       risk,
		Layers:          view,
		Summary: fmt.Sprintf("SMC:%d IND:%d DER:%d → %d",
			smc.Score, ind.Score, der.Score, normalized),
		MTF: mtf,
	}
}
