package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/confluxscan/confluxscan/internal/admission"
	"github.com/confluxscan/confluxscan/internal/alerts"
	"github.com/confluxscan/confluxscan/internal/breaker"
	"github.com/confluxscan/confluxscan/internal/cache"
	"github.com/confluxscan/confluxscan/internal/config"
	"github.com/confluxscan/confluxscan/internal/engine"
	httpiface "github.com/confluxscan/confluxscan/internal/interfaces/http"
	"github.com/confluxscan/confluxscan/internal/lifecycle"
	"github.com/confluxscan/confluxscan/internal/marketdata"
	"github.com/confluxscan/confluxscan/internal/notify"
	"github.com/confluxscan/confluxscan/internal/runstore"
	"github.com/confluxscan/confluxscan/internal/scorecard"
)

const (
	appName = "confluxscan"
	version = "v1.2.0"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-symbol confluence screener",
		Long:    "ConfluxScan screens crypto symbols through an eight-layer confluence analysis and serves ranked BUY/SELL/HOLD verdicts.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the screening HTTP service",
		RunE:  runServe,
	}

	screenCmd := &cobra.Command{
		Use:   "screen",
		Short: "Run one screening pass and print the ranked table",
		RunE:  runScreen,
	}
	screenCmd.Flags().String("symbols", "BTC-USDT-SWAP,ETH-USDT-SWAP,SOL-USDT-SWAP", "Comma-separated symbol list")
	screenCmd.Flags().String("timeframe", "15m", "Candle timeframe (1m,3m,5m,15m,30m,1h,4h,1d)")
	screenCmd.Flags().Int("limit", 500, "Candle window size")

	scorecardCmd := &cobra.Command{
		Use:   "scorecard",
		Short: "Generate the weekly calibration scorecard",
		RunE:  runScorecard,
	}
	scorecardCmd.Flags().String("week", "", "Week start date YYYY-MM-DD (default: current week)")

	rootCmd.AddCommand(serveCmd, screenCmd, scorecardCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging configures zerolog: console output on a TTY, JSON otherwise.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// buildNotifier prefers Telegram when credentials are configured.
func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegramNotifier(notify.TelegramConfig{
			BotToken: cfg.Notify.TelegramBotToken,
			ChatID:   cfg.Notify.TelegramChatID,
		})
		if err == nil {
			return notify.Multi{notify.LogNotifier{}, tg}
		}
		log.Warn().Err(err).Msg("telegram notifier unavailable, falling back to log")
	}
	return notify.LogNotifier{}
}

func buildEngine(cfg *config.Config, emitter *lifecycle.Emitter) (*engine.Engine, *cache.SmartCache, *breaker.Registry) {
	cacheCfg := cache.DefaultConfig("screener")
	cacheCfg.DefaultTTL = cfg.Cache.TTL
	cacheCfg.MaxItems = cfg.Cache.MaxItems
	cacheCfg.MaxBytes = cfg.Cache.MaxBytes
	c := cache.New(cacheCfg)

	reg := breaker.NewRegistry(nil)
	client := marketdata.NewOKXClient(marketdata.OKXConfig{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.FetchTimeout,
	})

	eng := engine.New(engine.Config{
		Weights:      cfg.Screening.Weights,
		Thresholds:   cfg.Screening.Thresholds,
		CacheTTL:     cfg.Cache.TTL,
		MTFEnabled:   cfg.Screening.MTFEnabled,
		RulesVersion: cfg.EventLog.RulesVersion,
	}, client, c, reg, emitter)
	return eng, c, reg
}

// openLifecycle connects the event-log store when a database is configured.
// Failures disable the emitter rather than aborting startup.
func openLifecycle(ctx context.Context, cfg *config.Config) (*lifecycle.Store, *lifecycle.Emitter) {
	if cfg.DatabaseURL == "" {
		return nil, lifecycle.NewEmitter(nil, false)
	}
	store, err := lifecycle.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("event log database unavailable, emissions disabled")
		return nil, lifecycle.NewEmitter(nil, false)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Warn().Err(err).Msg("event log migration failed, emissions disabled")
		store.Close()
		return nil, lifecycle.NewEmitter(nil, false)
	}
	return store, lifecycle.NewEmitter(store, cfg.EventLog.Enabled)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, emitter := openLifecycle(ctx, cfg)
	if store != nil {
		defer store.Close()
	}

	eng, c, reg := buildEngine(cfg, emitter)
	defer c.Stop()

	runs := runstore.New(cfg.RedisAddr, runstore.DefaultTTL)
	if mem, ok := runs.(*runstore.MemoryStore); ok {
		defer mem.Stop()
	}

	adm := admission.NewLayer(admission.Config{
		TrustedProxies: cfg.Server.TrustedProxies,
		Development:    cfg.Server.Development,
	}, admission.DefaultTrackerConfig())
	defer adm.Stop()

	notifier := buildNotifier(cfg)
	alerter := alerts.New(alerts.DefaultConfig(), notifier)

	if store != nil {
		job := scorecard.NewJob(store, notifier, cfg.Location())
		go job.Run(ctx)
	}

	srvCfg := httpiface.DefaultConfig(cfg.Server.Addr)
	srvCfg.APIKeys = cfg.Auth.APIKeys
	srvCfg.BreakerInterceptor = cfg.Server.BreakerInterceptor
	srv := httpiface.NewServer(srvCfg, eng, runs, adm, alerter, reg, c)

	log.Info().Str("version", version).Str("addr", cfg.Server.Addr).
		Bool("event_log", emitter.Enabled()).Msg("confluxscan starting")
	return srv.Run(ctx)
}

func runScreen(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging("warn") // keep the table readable

	symbolsFlag, _ := cmd.Flags().GetString("symbols")
	timeframe, _ := cmd.Flags().GetString("timeframe")
	limit, _ := cmd.Flags().GetInt("limit")

	var symbols []string
	for _, s := range strings.Split(symbolsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}

	eng, c, _ := buildEngine(cfg, nil)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := eng.Screen(ctx, engine.Request{
		Symbols: symbols, Timeframe: timeframe, Limit: limit,
	})
	if err != nil {
		return err
	}

	ranked := make([]engine.SymbolResult, len(resp.Results))
	copy(ranked, resp.Results)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].NormalizedScore > ranked[j].NormalizedScore
	})

	fmt.Printf("Run %s  (%s, %d symbols, %.1f ms)\n\n",
		resp.RunID, timeframe, resp.Stats.TotalSymbols, resp.Stats.ProcessingTimeMs)
	fmt.Printf("%-16s %-6s %5s %6s %-7s %s\n", "SYMBOL", "LABEL", "SCORE", "CONF", "RISK", "SUMMARY")
	for _, r := range ranked {
		if r.Error != "" {
			fmt.Printf("%-16s %-6s %5s %6s %-7s %s\n", r.Symbol, r.Label, "-", "-", "-", r.Reason)
			continue
		}
		fmt.Printf("%-16s %-6s %5d %5d%% %-7s %s\n",
			r.Symbol, r.Label, r.NormalizedScore, r.Confidence, r.RiskLevel, r.Summary)
	}
	fmt.Printf("\nBUY %d  SELL %d  HOLD %d  avg %.1f\n",
		resp.Stats.Buy, resp.Stats.Sell, resp.Stats.Hold, resp.Stats.AvgScore)
	return nil
}

func runScorecard(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("scorecard requires DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := lifecycle.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	loc := cfg.Location()
	weekStart := scorecard.WeekStart(time.Now(), loc)
	if weekFlag, _ := cmd.Flags().GetString("week"); weekFlag != "" {
		parsed, err := time.ParseInLocation("2006-01-02", weekFlag, loc)
		if err != nil {
			return fmt.Errorf("invalid --week %q: %w", weekFlag, err)
		}
		weekStart = scorecard.WeekStart(parsed, loc)
	}

	job := scorecard.NewJob(store, buildNotifier(cfg), loc)
	report, err := job.Generate(ctx, weekStart)
	if err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("scorecard generation already in progress")
	}

	fmt.Printf("Week %s  monotonic_ok=%v\n", report.WeekStart.Format("2006-01-02"), report.MonotonicOK)
	for _, b := range report.Bins {
		fmt.Printf("  %-10s winrate %5.1f%%  (n=%d)\n", b.Label, b.Winrate*100, b.Samples)
	}
	return nil
}
