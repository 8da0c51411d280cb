package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/confluxscan/confluxscan/internal/breaker"
)

const (
	defaultOKXBaseURL = "https://www.okx.com"
	maxCandlesPerCall = 300 // OKX history page size
)

// OKXConfig controls the OKX REST client.
type OKXConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS and Burst feed the shared token bucket across all endpoints.
	RPS   float64
	Burst int
	Retry breaker.RetryPolicy
}

// DefaultOKXConfig returns conservative public-API settings.
func DefaultOKXConfig() OKXConfig {
	return OKXConfig{
		BaseURL: defaultOKXBaseURL,
		Timeout: 10 * time.Second,
		RPS:     10,
		Burst:   20,
		Retry:   breaker.DefaultRetryPolicy(),
	}
}

// OKXClient fetches candles and derivatives from the OKX public REST API.
// Open-interest change is derived from the previous reading per symbol, so
// the first fetch of a symbol reports no OI change.
type OKXClient struct {
	cfg     OKXConfig
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	lastOI map[string]float64
}

// NewOKXClient creates the client with its request throttle.
func NewOKXClient(cfg OKXConfig) *OKXClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOKXBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &OKXClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		lastOI:  make(map[string]float64),
	}
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Fetch implements Client.
func (c *OKXClient) Fetch(ctx context.Context, symbol, timeframe string, limit int) (*Snapshot, error) {
	bar, ok := Timeframes[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}

	candles, err := c.fetchCandles(ctx, symbol, bar, limit)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Symbol: symbol, Timeframe: timeframe, Candles: candles}

	// Derivatives are optional; their absence is not an error.
	if fr, err := c.fetchFundingRate(ctx, symbol); err == nil && fr != nil {
		snap.Derivatives.FundingRate = fr
	} else if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("funding rate unavailable")
	}
	if oi, err := c.fetchOIChange(ctx, symbol); err == nil && oi != nil {
		snap.Derivatives.OIChangePct = oi
	} else if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("open interest unavailable")
	}

	return snap, nil
}

// fetchCandles pages backwards through OKX history until the requested
// window is filled or history runs out. OKX serves at most 300 rows per
// call, newest first; the "after" cursor requests rows older than a
// timestamp.
func (c *OKXClient) fetchCandles(ctx context.Context, symbol, bar string, limit int) ([]Candle, error) {
	var all [][]string
	after := ""
	for len(all) < limit {
		pageLimit := limit - len(all)
		if pageLimit > maxCandlesPerCall {
			pageLimit = maxCandlesPerCall
		}
		q := url.Values{
			"instId": {symbol},
			"bar":    {bar},
			"limit":  {strconv.Itoa(pageLimit)},
		}
		if after != "" {
			q.Set("after", after)
		}
		var rows [][]string
		if err := c.getJSON(ctx, "/api/v5/market/candles", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		all = append(all, rows...)
		if len(rows) < pageLimit || len(rows[len(rows)-1]) == 0 {
			break // history exhausted
		}
		after = rows[len(rows)-1][0]
	}

	// OKX returns newest first; the engine wants ascending open time.
	candles := make([]Candle, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		row := all[i]
		if len(row) < 6 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		o, err1 := strconv.ParseFloat(row[1], 64)
		h, err2 := strconv.ParseFloat(row[2], 64)
		l, err3 := strconv.ParseFloat(row[3], 64)
		cl, err4 := strconv.ParseFloat(row[4], 64)
		v, err5 := strconv.ParseFloat(row[5], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     o, High: h, Low: l, Close: cl, Volume: v,
		})
	}
	return candles, nil
}

func (c *OKXClient) fetchFundingRate(ctx context.Context, symbol string) (*float64, error) {
	var rows []struct {
		FundingRate string `json:"fundingRate"`
	}
	q := url.Values{"instId": {symbol}}
	if err := c.getJSON(ctx, "/api/v5/public/funding-rate", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	fr, err := strconv.ParseFloat(rows[0].FundingRate, 64)
	if err != nil {
		return nil, nil
	}
	return &fr, nil
}

func (c *OKXClient) fetchOIChange(ctx context.Context, symbol string) (*float64, error) {
	var rows []struct {
		OI string `json:"oi"`
	}
	q := url.Values{"instId": {symbol}, "instType": {"SWAP"}}
	if err := c.getJSON(ctx, "/api/v5/public/open-interest", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cur, err := strconv.ParseFloat(rows[0].OI, 64)
	if err != nil {
		return nil, nil
	}

	c.mu.Lock()
	prev, seen := c.lastOI[symbol]
	c.lastOI[symbol] = cur
	c.mu.Unlock()

	if !seen || prev == 0 {
		return nil, nil
	}
	pct := (cur - prev) / prev * 100
	return &pct, nil
}

// getJSON performs one throttled, retried GET and decodes the data field.
func (c *OKXClient) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.cfg.BaseURL + path + "?" + q.Encode()
	return breaker.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &breaker.StatusError{StatusCode: resp.StatusCode, URL: u}
		}
		var env okxEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if env.Code != "0" {
			return fmt.Errorf("okx error %s on %s: %s", env.Code, path, env.Msg)
		}
		return json.Unmarshal(env.Data, out)
	})
}
