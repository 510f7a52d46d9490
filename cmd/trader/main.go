package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"option_trader/internal/alert"
	"option_trader/internal/bootstrap"
	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/execution"
	"option_trader/internal/infrastructure/grpcserver"
	"option_trader/internal/infrastructure/health"
	"option_trader/internal/infrastructure/metrics"
	"option_trader/internal/marketdata"
	"option_trader/internal/mock"
	"option_trader/internal/risk"
	"option_trader/internal/runner"
	"option_trader/internal/session"
	"option_trader/internal/store"
	"option_trader/internal/strategy"
	"option_trader/internal/stream"
	"option_trader/pkg/concurrency"
	"option_trader/pkg/logging"
	"option_trader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

var (
	configFile  = flag.String("config", "configs/config.yaml", "Path to configuration file")
	mockFlag    = flag.Bool("mock", false, "Trade against an in-process mock broker")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// 1. Override flags with env vars if present
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}
	if envMock := os.Getenv("MOCK_UPSTREAM"); envMock != "" {
		if v, err := strconv.ParseBool(envMock); err == nil {
			*mockFlag = v
		}
	}

	// 2. Load configuration. A malformed file is fatal; trading with
	// half-applied limits is worse than not starting.
	cfg := config.DefaultConfig()
	loadedFromFile := false
	if _, err := os.Stat(*configFile); err == nil {
		loadedCfg, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loadedCfg
		loadedFromFile = true
	}

	// 3. Initialize logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if !loadedFromFile {
		logger.Info("Config file not found, using default configuration", "path", *configFile)
	}

	logger.Info("Starting trader",
		"version", version,
		"env", cfg.App.Env,
		"accounts", len(cfg.Accounts),
		"bots", len(cfg.Bots),
	)

	// 4. Telemetry comes up first so its shutdown runs last and every
	// component can flush through it.
	tel, err := telemetry.Setup("option_trader")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	app := bootstrap.New(logger, 15*time.Second)
	app.Add("telemetry", nil, tel.Shutdown)

	// 5. Mock mode: an in-process broker stands in for the real endpoint.
	if *mockFlag {
		if len(cfg.Accounts) == 0 {
			cfg.Accounts = append(cfg.Accounts, config.AccountConfig{
				ID:       "VRTC1001",
				Token:    "mock-token-1",
				Currency: "USD",
				Type:     "demo",
			})
		}
		if len(cfg.Bots) == 0 {
			cfg.Bots = append(cfg.Bots, config.BotConfig{
				Account:  cfg.Accounts[0].ID,
				Strategy: "momentum",
				Symbol:   "R_100",
				Stake:    config.BotStakeConfig{Base: 1},
				Duration: config.BotDurationConfig{Value: 15, Unit: "s"},
			})
		}
		broker := mock.NewBroker(logger)
		if err := broker.Start(); err != nil {
			logger.Fatal("Failed to start mock broker", "error", err)
		}
		for _, acc := range cfg.Accounts {
			broker.RegisterAccount(string(acc.Token), acc.ID, acc.Currency, acc.Type != "real")
		}
		broker.SetAutoSettle(true)
		cfg.Upstream.URL = broker.URL()
		symbols := botSymbols(cfg.Bots)
		app.Add("mock_broker", func(ctx context.Context) error {
			for _, symbol := range symbols {
				broker.Feed(ctx, symbol, decimal.NewFromInt(100), time.Second)
			}
			return nil
		}, broker.Stop)
		logger.Info("Using MOCK upstream for testing", "url", cfg.Upstream.URL)
	}

	// 6. Persistence: SQLite behind the async write queue.
	sqlite, err := store.NewSQLiteStore(cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open store", "error", err, "path", cfg.Store.Path)
	}
	db := store.NewQueued(sqlite, cfg.Store.QueueSize, cfg.Store.RetryAttempts, logger)
	app.Add("store", nil, func(ctx context.Context) error { return db.Close() })

	cipherKey := []byte(cfg.Store.TokenCipherKey)
	if len(cipherKey) == 0 {
		cipherKey = make([]byte, 32)
		if _, err := rand.Read(cipherKey); err != nil {
			logger.Fatal("Failed to generate session cipher key", "error", err)
		}
		logger.Warn("No token_cipher_key configured; sealed sessions will not survive a restart")
	}
	vault, err := execution.NewSessionVault(db, cipherKey, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session vault", "error", err)
	}

	// 7. Upstream sessions and market data.
	sessions := session.NewManager(upstreamURL(cfg.Upstream), cfg.Session, logger)
	app.Add("sessions", nil, func(ctx context.Context) error {
		sessions.CloseAll()
		return nil
	})

	streamPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "StreamPool",
		MaxWorkers:  cfg.Concurrency.StreamPoolSize,
		MaxCapacity: cfg.Concurrency.StreamPoolBuffer,
		NonBlocking: true,
	}, logger)
	app.Add("stream_pool", nil, func(ctx context.Context) error {
		streamPool.Stop()
		return nil
	})
	ticks := stream.NewTickStream(sessions, cfg.Stream, streamPool, logger)
	market := marketdata.NewMarketData(sessions, ticks, cfg.Stream, logger)

	// 8. Risk: cache, manager, session hooks.
	cache := risk.NewRiskCache(db, cfg.Store.DebounceMS, logger)
	app.Add("risk_cache", nil, func(ctx context.Context) error {
		cache.Stop()
		return nil
	})

	riskMgr := risk.NewManager(cfg.Risk, cfg.App.Env, db, cache, logger)
	sessions.SetReconnectHook(riskMgr.RecordReconnect)
	sessions.SetAckLatencyHook(riskMgr.ObserveAckLatency)
	sessions.SetAuthFailureHook(riskMgr.NoteSessionFailure)
	app.Add("risk_manager", func(ctx context.Context) error {
		if err := riskMgr.Restore(ctx); err != nil {
			return err
		}
		return riskMgr.Start(ctx)
	}, func(ctx context.Context) error { return riskMgr.Stop() })

	alerts := alert.NewWebhookNotifier(cfg.Alert, logger)
	riskMgr.AddListener(alert.KillSwitchListener(alerts))
	db.SetDegradedHandler(func(err error) {
		alerts.Notify(context.Background(), "persistence_degraded", map[string]interface{}{
			"error": err.Error(),
		})
	})
	app.Add("alerts", nil, alerts.Flush)

	// 9. Execution and settlement recovery. Sessions are sealed into the
	// vault before the reconciler starts so a crash between here and the
	// first trade still leaves enough to recover with.
	engine := execution.NewEngine(cfg.Execution, sessions, riskMgr, cache, db, logger)

	reconcilePool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ReconcilePool",
		MaxWorkers:  cfg.Concurrency.ReconcilePoolSize,
		MaxCapacity: cfg.Concurrency.ReconcilePoolBuffer,
	}, logger)
	app.Add("reconcile_pool", nil, func(ctx context.Context) error {
		reconcilePool.Stop()
		return nil
	})
	reconciler := execution.NewReconciler(cfg.Reconcile, engine, vault, reconcilePool, alerts, logger)
	app.Add("reconciler", func(ctx context.Context) error {
		for _, acc := range cfg.Accounts {
			rec := execution.SessionRecord{
				AccountID: acc.ID,
				Token:     string(acc.Token),
				Currency:  acc.Currency,
				Type:      acc.Type,
			}
			if err := vault.Save(ctx, rec); err != nil {
				return fmt.Errorf("seal session for %s: %w", acc.ID, err)
			}
		}
		return reconciler.Start(ctx)
	}, func(ctx context.Context) error { return reconciler.Stop() })

	// 10. Strategy runner and the configured bots.
	registry := strategy.NewRegistry()
	accounts := make(map[string]runner.AccountAuth, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		accounts[acc.ID] = runner.AccountAuth{Token: string(acc.Token), Currency: acc.Currency}
	}
	bots := runner.NewRunner(cfg.Runner, risk.OrderLimitsFromConfig(cfg.Risk), accounts, registry,
		ticks, market, cache, riskMgr, engine, db, logger)

	var started []startedRun
	app.Add("bots", func(ctx context.Context) error {
		for _, bc := range cfg.Bots {
			info, err := sessions.GetOrCreate(ctx, accounts[bc.Account].Token, bc.Account)
			if err != nil {
				return fmt.Errorf("authorize %s: %w", bc.Account, err)
			}
			if err := cache.Hydrate(ctx, bc.Account); err != nil {
				logger.Warn("Risk state hydrate failed, warming fresh",
					"account", bc.Account, "error", err)
			}
			cache.Warm(bc.Account, info.Balance)
			run := botRunFromConfig(bc)
			if err := bots.Start(ctx, run); err != nil {
				return fmt.Errorf("start bot %s/%s: %w", bc.Account, bc.Strategy, err)
			}
			started = append(started, startedRun{account: bc.Account, runID: run.ID})
			logger.Info("Bot started",
				"account", bc.Account,
				"strategy", bc.Strategy,
				"symbol", bc.Symbol,
				"run_id", run.ID)
		}
		return nil
	}, func(ctx context.Context) error {
		var errs []error
		for _, s := range started {
			if err := bots.Stop(s.account, s.runID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	// 11. Health surfaces.
	checks := health.NewManager(logger)
	checks.Register("session_manager", sessions.CheckHealth)
	checks.Register("tick_stream", ticks.CheckHealth)
	checks.Register("risk_manager", riskMgr.CheckHealth)
	checks.Register("execution_engine", engine.CheckHealth)
	checks.Register("store", db.CheckHealth)
	checks.Register("stream_pool", streamPool.CheckHealth)
	checks.Register("reconcile_pool", reconcilePool.CheckHealth)

	monitor, err := health.NewResourceMonitor(0, 0, logger)
	if err != nil {
		logger.Fatal("Failed to initialize resource monitor", "error", err)
	}
	checks.Register("resources", monitor.CheckHealth)
	app.Add("resource_monitor",
		func(ctx context.Context) error { return monitor.Start() },
		func(ctx context.Context) error { return monitor.Stop() })

	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, string(cfg.System.AdminToken),
			checks, riskMgr, logger)
		app.Add("metrics_server", func(ctx context.Context) error {
			metricsSrv.Start()
			return nil
		}, metricsSrv.Stop)
	}
	healthSrv := grpcserver.NewServer(cfg.Telemetry.HealthPort, checks, logger)
	app.Add("grpc_health", func(ctx context.Context) error { return healthSrv.Start() }, healthSrv.Stop)

	// 12. Run until a signal or a fatal component error.
	if err := app.Run(context.Background()); err != nil {
		logger.Fatal("Trader exited with error", "error", err)
	}
	logger.Info("Trader stopped")
}

// startedRun records a bot launched at boot so shutdown can stop it by ID.
type startedRun struct {
	account string
	runID   string
}

// upstreamURL appends the registered app_id to the endpoint when one is
// configured. The mock broker ignores query parameters.
func upstreamURL(cfg config.UpstreamConfig) string {
	if cfg.AppID == "" {
		return cfg.URL
	}
	sep := "?"
	if strings.Contains(cfg.URL, "?") {
		sep = "&"
	}
	return cfg.URL + sep + "app_id=" + cfg.AppID
}

func botRunFromConfig(bc config.BotConfig) *core.BotRun {
	mode := core.ExecutionMode(bc.Mode)
	if mode == "" {
		mode = core.ExecutionModeMarket
	}
	return &core.BotRun{
		AccountID:  bc.Account,
		StrategyID: bc.Strategy,
		Symbol:     bc.Symbol,
		Params:     bc.Params,
		Stake: core.StakePolicy{
			Base: decimal.NewFromFloat(bc.Stake.Base),
			Min:  decimal.NewFromFloat(bc.Stake.Min),
			Max:  decimal.NewFromFloat(bc.Stake.Max),
		},
		Duration:    core.DurationPolicy{Value: bc.Duration.Value, Unit: bc.Duration.Unit},
		CooldownMS:  bc.CooldownMS,
		Mode:        mode,
		SlippagePct: decimal.NewFromFloat(bc.SlippagePct),
		Limits: core.RunLimits{
			DailyLossLimitPct:    bc.Limits.DailyLossLimitPct,
			DrawdownLimitPct:     bc.Limits.DrawdownLimitPct,
			MaxConsecutiveLosses: bc.Limits.MaxConsecutiveLosses,
			LossCooldownMS:       bc.Limits.LossCooldownMS,
			MaxConcurrentTrades:  bc.Limits.MaxConcurrentTrades,
			MaxStake:             decimal.NewFromFloat(bc.Limits.MaxStake),
		},
		Tuning: core.RunTuning{
			BatchSize:           bc.Tuning.BatchSize,
			BatchIntervalMS:     bc.Tuning.BatchIntervalMS,
			BudgetMS:            bc.Tuning.BudgetMS,
			RequiredTicks:       bc.Tuning.RequiredTicks,
			VolatilityThreshold: bc.Tuning.VolatilityThreshold,
			VolatilityWindow:    bc.Tuning.VolatilityWindow,
		},
		Status: core.RunStatusRunning,
	}
}

func botSymbols(bots []config.BotConfig) []string {
	seen := make(map[string]bool, len(bots))
	var symbols []string
	for _, b := range bots {
		if !seen[b.Symbol] {
			seen[b.Symbol] = true
			symbols = append(symbols, b.Symbol)
		}
	}
	return symbols
}
