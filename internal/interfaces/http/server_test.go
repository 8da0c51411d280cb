package http

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxscan/confluxscan/internal/admission"
	"github.com/confluxscan/confluxscan/internal/alerts"
	"github.com/confluxscan/confluxscan/internal/breaker"
	"github.com/confluxscan/confluxscan/internal/cache"
	"github.com/confluxscan/confluxscan/internal/domain/confluence"
	"github.com/confluxscan/confluxscan/internal/engine"
	"github.com/confluxscan/confluxscan/internal/marketdata"
	"github.com/confluxscan/confluxscan/internal/runstore"
)

type staticClient struct{}

func (staticClient) Fetch(_ context.Context, symbol, _ string, _ int) (*marketdata.Snapshot, error) {
	candles := make([]marketdata.Candle, 120)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range candles {
		open := price
		cl := price + 2
		candles[i] = marketdata.Candle{
			OpenTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:     open,
			High:     math.Max(open, cl) + 0.5,
			Low:      math.Min(open, cl) - 0.5,
			Close:    cl,
			Volume:   100 + float64(i),
		}
		price = cl
	}
	oi := 2.0
	return &marketdata.Snapshot{
		Symbol:      symbol,
		Candles:     candles,
		Derivatives: marketdata.Derivatives{OIChangePct: &oi},
	}, nil
}

func newTestServer(t *testing.T, apiKeys ...string) *Server {
	t.Helper()
	return newTestServerTracker(t, admission.DefaultTrackerConfig(), apiKeys...)
}

func newTestServerTracker(t *testing.T, trackerCfg admission.TrackerConfig, apiKeys ...string) *Server {
	t.Helper()
	c := cache.New(cache.Config{
		Name: "http-test", MaxItems: 100, MaxBytes: 8 << 20, DefaultTTL: 20 * time.Second,
	})
	reg := breaker.NewRegistry(nil)
	eng := engine.New(engine.Config{
		Weights:    confluence.DefaultWeights(),
		Thresholds: confluence.DefaultThresholds(),
	}, staticClient{}, c, reg, nil)

	adm := admission.NewLayer(admission.Config{}, trackerCfg)
	t.Cleanup(adm.Stop)
	runs := runstore.NewMemory(time.Minute)
	t.Cleanup(runs.Stop)

	cfg := DefaultConfig(":0")
	cfg.APIKeys = apiKeys
	return NewServer(cfg, eng, runs, adm, alerts.New(alerts.DefaultConfig(), nil), reg, c)
}

func runBody(symbols ...string) *bytes.Reader {
	raw, _ := json.Marshal(map[string]interface{}{
		"symbols": symbols, "timeframe": "15m", "limit": 500,
	})
	return bytes.NewReader(raw)
}

func doReq(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/screener/health", nil)
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Contains(t, body, "blocked_ips")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRunAndFetchByID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/screener/run", runBody("SOL-USDT-SWAP"))
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp engine.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "BUY", resp.Results[0].Label)

	get := httptest.NewRequest("GET", "/api/screener/"+resp.RunID, nil)
	get.RemoteAddr = "127.0.0.1:1000"
	rec = doReq(s, get)
	require.Equal(t, http.StatusOK, rec.Code)

	var stored engine.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, resp.RunID, stored.RunID)
}

func TestRunByID_Unknown(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/screener/does-not-exist", nil)
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestRun_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	raw, _ := json.Marshal(map[string]interface{}{
		"symbols": []string{"SOL-USDT-SWAP"}, "timeframe": "2h", "limit": 500,
	})
	req := httptest.NewRequest("POST", "/api/screener/run", bytes.NewReader(raw))
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")

	req = httptest.NewRequest("POST", "/api/screener/run", strings.NewReader("{not json"))
	req.RemoteAddr = "127.0.0.1:1000"
	rec = doReq(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, "secret-key")

	req := httptest.NewRequest("POST", "/api/screener/run", runBody("SOL-USDT-SWAP"))
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")

	req = httptest.NewRequest("POST", "/api/screener/run", runBody("SOL-USDT-SWAP"))
	req.RemoteAddr = "127.0.0.1:1000"
	req.Header.Set("X-API-Key", "secret-key")
	rec = doReq(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	health := httptest.NewRequest("GET", "/api/screener/health", nil)
	health.RemoteAddr = "127.0.0.1:1000"
	assert.Equal(t, http.StatusOK, doReq(s, health).Code)
}

func TestMultiAlias(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/screener/multi", runBody("SOL-USDT-SWAP", "BTC-USDT-SWAP"))
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp engine.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Stats.TotalSymbols)
}

func TestSupportedSymbols(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/screener/supported-symbols", nil)
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Symbols []string `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Symbols)
}

func TestRun_RateLimitedOnConfluenceTier(t *testing.T) {
	s := newTestServer(t)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/screener/run", runBody("SOL-USDT-SWAP"))
		req.RemoteAddr = "203.0.113.5:1000"
		return doReq(s, req)
	}
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do().Code, "request %d", i+1)
	}
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "confluence_screening", rec.Header().Get("X-RateLimit-Tier"))
}

func TestRun_BadBodiesBlockIP(t *testing.T) {
	trackerCfg := admission.DefaultTrackerConfig()
	trackerCfg.ValidationFailThreshold = 2
	s := newTestServerTracker(t, trackerCfg)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/screener/run", strings.NewReader("{not json"))
		req.RemoteAddr = "203.0.113.44:1000"
		return doReq(s, req)
	}
	assert.Equal(t, http.StatusBadRequest, post().Code)
	assert.Equal(t, http.StatusBadRequest, post().Code)

	// The second rejection reached the threshold; the caller is now blocked
	// before the handler runs.
	rec := post()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	// The block is listed, masked, on the health payload.
	health := httptest.NewRequest("GET", "/api/screener/health", nil)
	health.RemoteAddr = "127.0.0.1:1000"
	hrec := doReq(s, health)
	require.Equal(t, http.StatusOK, hrec.Code)
	assert.Contains(t, hrec.Body.String(), "203.0.*.*")
	assert.NotContains(t, hrec.Body.String(), "203.0.113.44")
}

func TestRun_InjectionSymbolsBlockAsSuspicious(t *testing.T) {
	trackerCfg := admission.DefaultTrackerConfig()
	trackerCfg.SuspiciousThreshold = 2
	s := newTestServerTracker(t, trackerCfg)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/screener/run",
			runBody("union select * from users"))
		req.RemoteAddr = "203.0.113.45:1000"
		return doReq(s, req)
	}
	assert.Equal(t, http.StatusBadRequest, post().Code)
	assert.Equal(t, http.StatusBadRequest, post().Code)

	rec := post()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWebsocketRunFeed(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/screener/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a beat to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/screener/run", "application/json",
		runBody("SOL-USDT-SWAP"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var run engine.Response
	require.NoError(t, json.Unmarshal(msg, &run))
	assert.NotEmpty(t, run.RunID)
	require.Len(t, run.Results, 1)
	assert.Equal(t, "SOL-USDT-SWAP", run.Results[0].Symbol)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/other", nil)
	req.RemoteAddr = "127.0.0.1:1000"
	rec := doReq(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
