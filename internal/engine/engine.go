// Package engine orchestrates screening runs: request validation, cache
// lookup, bounded parallel fan-out over symbols, per-symbol scoring and
// batch statistics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/breaker"
	"github.com/confluxscan/confluxscan/internal/cache"
	"github.com/confluxscan/confluxscan/internal/domain/confluence"
	"github.com/confluxscan/confluxscan/internal/domain/indicators"
	"github.com/confluxscan/confluxscan/internal/domain/layers"
	"github.com/confluxscan/confluxscan/internal/lifecycle"
	"github.com/confluxscan/confluxscan/internal/marketdata"
	"github.com/confluxscan/confluxscan/internal/telemetry"
)

const (
	// MinLimit and MaxLimit bound the candle window a request may ask for.
	MinLimit = 100
	MaxLimit = 2000

	// maxConcurrency caps the fan-out regardless of symbol count.
	maxConcurrency = 16

	// breakerName keys the shared breaker fronting the upstream client.
	breakerName = "marketdata"

	// rrTargetDefault and expiryBars parameterize published signals.
	rrTargetDefault = 2.0
	expiryBars      = 4
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9\-_/]{1,20}$`)

// ValidationError reports a malformed request. It never counts as a system
// failure.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Details }

// Request is one screening call.
type Request struct {
	Symbols       []string        `json:"symbols"`
	Timeframe     string          `json:"timeframe"`
	Limit         int             `json:"limit"`
	EnabledLayers map[string]bool `json:"enabledLayers,omitempty"`
}

// Validate normalizes and checks the request in place: symbols are
// deduplicated preserving order, the timeframe must be supported and the
// limit must sit in [MinLimit, MaxLimit].
func (r *Request) Validate() error {
	if len(r.Symbols) == 0 {
		return &ValidationError{Details: "symbols must be a non-empty list"}
	}
	seen := make(map[string]bool, len(r.Symbols))
	deduped := r.Symbols[:0]
	for _, s := range r.Symbols {
		s = strings.TrimSpace(s)
		if !symbolPattern.MatchString(s) {
			return &ValidationError{Details: fmt.Sprintf("symbol %q is not a valid instrument id", s)}
		}
		if !seen[s] {
			seen[s] = true
			deduped = append(deduped, s)
		}
	}
	r.Symbols = deduped

	if _, ok := marketdata.Timeframes[r.Timeframe]; !ok {
		return &ValidationError{Details: fmt.Sprintf("unsupported timeframe %q", r.Timeframe)}
	}
	if r.Limit < MinLimit || r.Limit > MaxLimit {
		return &ValidationError{Details: fmt.Sprintf("limit %d outside [%d, %d]", r.Limit, MinLimit, MaxLimit)}
	}
	return nil
}

// layerEnabled defaults to on when the map is absent or silent on a layer.
func (r *Request) layerEnabled(name string) bool {
	if r.EnabledLayers == nil {
		return true
	}
	v, ok := r.EnabledLayers[name]
	return !ok || v
}

// SymbolResult is one symbol's verdict inside a run.
type SymbolResult struct {
	Symbol string `json:"symbol"`
	confluence.Result
	Cached bool   `json:"cached,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Stats summarizes a run. Errored symbols count toward TotalSymbols only.
type Stats struct {
	TotalSymbols     int     `json:"total_symbols"`
	Buy              int     `json:"buy"`
	Sell             int     `json:"sell"`
	Hold             int     `json:"hold"`
	AvgScore         float64 `json:"avg_score"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Response is the full result of one screening run.
type Response struct {
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Timeframe string         `json:"timeframe"`
	Results   []SymbolResult `json:"results"`
	Stats     Stats          `json:"stats"`
}

// Config tunes one engine instance.
type Config struct {
	Weights    confluence.Weights
	Thresholds confluence.Thresholds
	CacheTTL   time.Duration
	MTFEnabled bool
	// RulesVersion stamps published signals.
	RulesVersion string
}

// Engine owns transient per-run state and borrows the cache, breaker
// registry and emitter it is constructed with.
type Engine struct {
	cfg      Config
	client   marketdata.Client
	cache    *cache.SmartCache
	breakers *breaker.Registry
	emitter  *lifecycle.Emitter

	newID func() string
	now   func() time.Time
}

// New wires an engine. The emitter may be nil when event logging is off.
func New(cfg Config, client marketdata.Client, c *cache.SmartCache, reg *breaker.Registry, emitter *lifecycle.Emitter) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 20 * time.Second
	}
	if cfg.RulesVersion == "" {
		cfg.RulesVersion = "v1"
	}
	if emitter == nil {
		emitter = lifecycle.NewEmitter(nil, false)
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		cache:    c,
		breakers: reg,
		emitter:  emitter,
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func cacheKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, timeframe, limit)
}

// concurrencyFor scales workers with the miss count inside [4, 16].
func concurrencyFor(n int) int {
	c := int(math.Ceil(0.5 * float64(n)))
	if c < 4 {
		c = 4
	}
	if c > maxConcurrency {
		c = maxConcurrency
	}
	return c
}

// Screen runs one screening request. Per-symbol failures are absorbed into
// the batch; only validation fails the whole call.
func (e *Engine) Screen(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	results := make([]SymbolResult, len(req.Symbols))
	var missIdx []int
	for i, sym := range req.Symbols {
		if v, ok := e.cache.Get(cacheKey(sym, req.Timeframe, req.Limit)); ok {
			if cached, ok := v.(SymbolResult); ok {
				cached.Cached = true
				results[i] = cached
				continue
			}
		}
		missIdx = append(missIdx, i)
	}

	if len(missIdx) > 0 {
		sem := make(chan struct{}, concurrencyFor(len(missIdx)))
		var wg sync.WaitGroup
		for _, i := range missIdx {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[i] = errorResult(req.Symbols[i], ctx.Err())
					return
				}
				results[i] = e.screenSymbol(ctx, req, req.Symbols[i])
			}(i)
		}
		wg.Wait()
	}

	resp := &Response{
		RunID:     e.newID(),
		Timestamp: e.now().UTC(),
		Timeframe: req.Timeframe,
		Results:   results,
		Stats:     buildStats(results, time.Since(started)),
	}
	e.publishSignals(ctx, req, resp)

	telemetry.ScreenDuration.Observe(time.Since(started).Seconds())
	telemetry.SymbolsScreened.Add(float64(len(req.Symbols)))
	log.Info().Str("run_id", resp.RunID).Int("symbols", len(req.Symbols)).
		Int("cached", len(req.Symbols)-len(missIdx)).
		Dur("elapsed", time.Since(started)).Msg("screening run complete")
	return resp, nil
}

// screenSymbol runs the per-symbol pipeline: breaker-guarded fetch,
// indicators, layer scores, aggregation, cache store.
func (e *Engine) screenSymbol(ctx context.Context, req Request, symbol string) SymbolResult {
	b := e.breakers.Get(breakerName)

	var snap *marketdata.Snapshot
	err := b.Execute(ctx, func(ctx context.Context) error {
		s, ferr := e.client.Fetch(ctx, symbol, req.Timeframe, req.Limit)
		if ferr == nil {
			snap = s
		}
		return ferr
	})
	if err != nil {
		return errorResult(symbol, err)
	}

	if len(snap.Candles) < indicators.MinCandles {
		res := SymbolResult{
			Symbol: symbol,
			Reason: fmt.Sprintf("insufficient data: %d of %d candles required",
				len(snap.Candles), indicators.MinCandles),
		}
		res.Result = confluence.Aggregate(layers.Score{}, layers.Score{}, layers.Score{},
			layers.View{}, e.cfg.Weights, e.cfg.Thresholds, nil)
		return res
	}

	smc := layers.SMC(snap.Candles)
	ind := layers.Indicators(snap.Candles)
	der := layers.Derivatives(snap.Derivatives)
	if !req.layerEnabled("smc") {
		smc = layers.Score{Reasons: []string{"smc: disabled by request"}}
	}
	if !req.layerEnabled("indicators") {
		ind = layers.Score{Reasons: []string{"indicators: disabled by request"}}
	}
	if !req.layerEnabled("derivatives") {
		der = layers.Score{Reasons: []string{"derivatives: disabled by request"}}
	}

	view := layers.BuildView(snap.Candles, snap.Derivatives)

	var mtf *confluence.MTF
	if e.cfg.MTFEnabled {
		mtf = e.htfBias(ctx, symbol, req.Timeframe)
	}

	res := SymbolResult{Symbol: symbol}
	res.Result = confluence.Aggregate(smc, ind, der, view, e.cfg.Weights, e.cfg.Thresholds, mtf)

	e.cache.Set(cacheKey(symbol, req.Timeframe, req.Limit), res, e.cfg.CacheTTL)
	return res
}

// htfBias fetches the mapped higher timeframe and derives an additive tilt
// from its EMA stack. Fetch failures degrade to no tilt.
func (e *Engine) htfBias(ctx context.Context, symbol, timeframe string) *confluence.MTF {
	htf := marketdata.HigherTimeframe(timeframe)

	var snap *marketdata.Snapshot
	err := e.breakers.Get(breakerName).Execute(ctx, func(ctx context.Context) error {
		s, ferr := e.client.Fetch(ctx, symbol, htf, indicators.MinCandles)
		if ferr == nil {
			snap = s
		}
		return ferr
	})
	if err != nil || len(snap.Candles) < indicators.MinCandles {
		log.Debug().Str("symbol", symbol).Str("htf", htf).Err(err).
			Msg("htf bias unavailable")
		return nil
	}

	closes := indicators.Closes(snap.Candles)
	ema20 := indicators.EMA(closes, 20)
	ema50 := indicators.EMA(closes, 50)
	last := len(closes) - 1

	m := &confluence.MTF{HTFTimeframe: htf, HTFBias: "neutral"}
	switch {
	case ema20[last] > ema50[last]:
		m.HTFBias = "bullish"
		m.AppliedTilt = 10
		m.Reason = fmt.Sprintf("%s ema20 above ema50", htf)
	case ema20[last] < ema50[last]:
		m.HTFBias = "bearish"
		m.AppliedTilt = -10
		m.Reason = fmt.Sprintf("%s ema20 below ema50", htf)
	}
	return m
}

func errorResult(symbol string, err error) SymbolResult {
	reason := "upstream fetch failed"
	if errors.Is(err, breaker.ErrCircuitOpen) {
		reason = "circuit open"
	}
	res := SymbolResult{Symbol: symbol, Error: err.Error(), Reason: reason}
	res.Label = "HOLD"
	res.RiskLevel = "medium"
	return res
}

// buildStats excludes errored symbols from every aggregate except the total.
func buildStats(results []SymbolResult, elapsed time.Duration) Stats {
	st := Stats{
		TotalSymbols:     len(results),
		ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000,
	}
	var sum float64
	var scored int
	for _, r := range results {
		if r.Error != "" {
			continue
		}
		switch r.Label {
		case "BUY":
			st.Buy++
		case "SELL":
			st.Sell++
		default:
			st.Hold++
		}
		sum += float64(r.NormalizedScore)
		scored++
	}
	if scored > 0 {
		st.AvgScore = sum / float64(scored)
	}
	return st
}

// publishSignals emits a published lifecycle event for every fresh BUY or
// SELL verdict. Cached results were already published on their first run.
func (e *Engine) publishSignals(ctx context.Context, req Request, resp *Response) {
	if !e.emitter.Enabled() {
		return
	}
	expiry := int(marketdata.TimeframeDuration(req.Timeframe).Minutes()) * expiryBars
	for _, r := range resp.Results {
		if r.Cached || r.Error != "" {
			continue
		}
		var side string
		switch r.Label {
		case "BUY":
			side = "long"
		case "SELL":
			side = "short"
		default:
			continue
		}
		e.emitter.Publish(ctx, lifecycle.Signal{
			SignalID:        e.newID(),
			Symbol:          r.Symbol,
			Side:            side,
			ConfluenceScore: float64(r.NormalizedScore) / 100,
			RRTarget:        rrTargetDefault,
			ExpiryMinutes:   expiry,
			RulesVersion:    e.cfg.RulesVersion,
			TsPublished:     resp.Timestamp,
		})
	}
}
