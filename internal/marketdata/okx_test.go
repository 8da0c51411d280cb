package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxscan/confluxscan/internal/breaker"
)

func okxCandleRows(n int) [][]string {
	rows := make([][]string, 0, n)
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	// newest first, the way OKX responds
	for i := n - 1; i >= 0; i-- {
		ts := base.Add(time.Duration(i) * 15 * time.Minute)
		price := 100.0 + float64(i)
		rows = append(rows, []string{
			fmt.Sprintf("%d", ts.UnixMilli()),
			fmt.Sprintf("%.2f", price),
			fmt.Sprintf("%.2f", price+1),
			fmt.Sprintf("%.2f", price-1),
			fmt.Sprintf("%.2f", price+0.5),
			"1000",
		})
	}
	return rows
}

func newOKXTestServer(t *testing.T, oi float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data interface{}
		switch r.URL.Path {
		case "/api/v5/market/candles":
			assert.Equal(t, "SOL-USDT-SWAP", r.URL.Query().Get("instId"))
			assert.Equal(t, "15m", r.URL.Query().Get("bar"))
			data = okxCandleRows(120)
		case "/api/v5/public/funding-rate":
			data = []map[string]string{{"fundingRate": "0.0001"}}
		case "/api/v5/public/open-interest":
			data = []map[string]string{{"oi": fmt.Sprintf("%.0f", oi)}}
		default:
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": "0", "data": data})
	}))
}

func TestOKXClient_Fetch(t *testing.T) {
	srv := newOKXTestServer(t, 50000)
	defer srv.Close()

	cfg := DefaultOKXConfig()
	cfg.BaseURL = srv.URL
	c := NewOKXClient(cfg)

	snap, err := c.Fetch(context.Background(), "SOL-USDT-SWAP", "15m", 120)
	require.NoError(t, err)
	require.Len(t, snap.Candles, 120)

	// Ascending open time, OHLC invariant.
	for i := 1; i < len(snap.Candles); i++ {
		assert.True(t, snap.Candles[i].OpenTime.After(snap.Candles[i-1].OpenTime))
	}
	for _, cd := range snap.Candles {
		assert.LessOrEqual(t, cd.Low, cd.Open)
		assert.GreaterOrEqual(t, cd.High, cd.Close)
	}

	require.NotNil(t, snap.Derivatives.FundingRate)
	assert.InDelta(t, 0.0001, *snap.Derivatives.FundingRate, 1e-9)

	// First reading has no OI baseline.
	assert.Nil(t, snap.Derivatives.OIChangePct)

	// Second fetch sees the delta against the stored baseline.
	snap2, err := c.Fetch(context.Background(), "SOL-USDT-SWAP", "15m", 120)
	require.NoError(t, err)
	require.NotNil(t, snap2.Derivatives.OIChangePct)
	assert.InDelta(t, 0.0, *snap2.Derivatives.OIChangePct, 1e-9)
}

func TestOKXClient_PaginatesLongWindows(t *testing.T) {
	all := okxCandleRows(700) // newest first
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v5/market/candles", r.URL.Path)
		atomic.AddInt32(&calls, 1)

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.LessOrEqual(t, limit, 300, "page size never exceeds the OKX cap")

		start := 0
		if after := r.URL.Query().Get("after"); after != "" {
			cutoff, _ := strconv.ParseInt(after, 10, 64)
			for start < len(all) {
				ts, _ := strconv.ParseInt(all[start][0], 10, 64)
				if ts < cutoff {
					break
				}
				start++
			}
		}
		end := start + limit
		if end > len(all) {
			end = len(all)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": "0", "data": all[start:end]})
	}))
	defer srv.Close()

	cfg := DefaultOKXConfig()
	cfg.BaseURL = srv.URL
	c := NewOKXClient(cfg)

	candles, err := c.fetchCandles(context.Background(), "BTC-USDT-SWAP", "15m", 700)
	require.NoError(t, err)
	require.Len(t, candles, 700, "the full requested window is fetched")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls)) // 300 + 300 + 100

	// Strictly ascending: no duplicated or missing candles across pages.
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].OpenTime.After(candles[i-1].OpenTime))
	}

	// A window beyond available history returns everything that exists.
	atomic.StoreInt32(&calls, 0)
	candles, err = c.fetchCandles(context.Background(), "BTC-USDT-SWAP", "15m", 2000)
	require.NoError(t, err)
	assert.Len(t, candles, 700)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "a short page ends the walk")
}

func TestOKXClient_UnsupportedTimeframe(t *testing.T) {
	c := NewOKXClient(DefaultOKXConfig())
	_, err := c.Fetch(context.Background(), "BTC-USDT-SWAP", "2h", 100)
	assert.Error(t, err)
}

func TestOKXClient_RetriesOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": "0", "data": okxCandleRows(5)})
	}))
	defer srv.Close()

	cfg := DefaultOKXConfig()
	cfg.BaseURL = srv.URL
	cfg.Retry = breaker.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	c := NewOKXClient(cfg)

	candles, err := c.fetchCandles(context.Background(), "BTC-USDT-SWAP", "15m", 5)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestOKXClient_SurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := DefaultOKXConfig()
	cfg.BaseURL = srv.URL
	c := NewOKXClient(cfg)

	_, err := c.fetchCandles(context.Background(), "BTC-USDT-SWAP", "15m", 5)
	var se *breaker.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestTimeframeHelpers(t *testing.T) {
	assert.Equal(t, 15*time.Minute, TimeframeDuration("15m"))
	assert.Equal(t, time.Duration(0), TimeframeDuration("2h"))
	assert.Equal(t, "4h", HigherTimeframe("15m"))
	assert.Equal(t, "1d", HigherTimeframe("4h"))
}
