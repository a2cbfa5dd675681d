// Coinflux trading engine entrypoint
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/alerts"
	"github.com/coinflux/coinflux/internal/api"
	"github.com/coinflux/coinflux/internal/bus"
	"github.com/coinflux/coinflux/internal/config"
	"github.com/coinflux/coinflux/internal/exchange"
	"github.com/coinflux/coinflux/internal/ledger"
	"github.com/coinflux/coinflux/internal/locker"
	"github.com/coinflux/coinflux/internal/market"
	"github.com/coinflux/coinflux/internal/metrics"
	"github.com/coinflux/coinflux/internal/safety"
	signalpkg "github.com/coinflux/coinflux/internal/signal"
	"github.com/coinflux/coinflux/internal/store"
	"github.com/coinflux/coinflux/internal/trading"
)

// Exit codes
const (
	exitOK       = 0
	exitConfig   = 1
	exitAuth     = 2
	exitStore    = 3
	drainTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Configuration error")
		return exitConfig
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if err := config.ResolveSecrets(cfg); err != nil {
		log.Error().Err(err).Msg("Secret resolution failed")
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration invalid after secret resolution")
		return exitConfig
	}

	log.Info().
		Str("mode", cfg.Trading.Mode).
		Str("environment", cfg.App.Environment).
		Msg("Starting coinflux engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store. Test mode without a URL runs entirely in memory.
	var st store.Store
	if cfg.Store.URL == "" && cfg.Trading.IsTestMode() {
		log.Info().Msg("No store URL in test mode, using in-memory store")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(ctx, cfg.Store.URL)
		if err != nil {
			log.Error().Err(err).Msg("Store connection failed")
			return exitStore
		}
		st = pg
	}
	defer st.Close()

	eventBus := bus.New(0)

	// Exchange: paper in test mode, signed REST client in production.
	var rawAPI exchange.API
	if cfg.Trading.IsTestMode() {
		rawAPI = exchange.NewPaper(
			config.Duration(cfg.Trading.TestFillDelay, 2*time.Second),
			config.NewLogger("paper_exchange"),
		)
	} else {
		rawAPI = exchange.NewRESTClient(
			cfg.Exchange.RESTEndpoint,
			cfg.Exchange.Key,
			cfg.Exchange.Secret,
			config.NewLogger("exchange_rest"),
		)
	}

	gatewayCfg := exchange.DefaultGatewayConfig()
	gatewayCfg.TickerTTL = config.Duration(cfg.Exchange.TickerTTL, gatewayCfg.TickerTTL)
	gatewayCfg.MaxStaleness = config.Duration(cfg.Exchange.MaxStaleness, gatewayCfg.MaxStaleness)
	gatewayCfg.AccountCacheTTL = config.Duration(cfg.Exchange.AccountCacheTTL, gatewayCfg.AccountCacheTTL)
	gatewayCfg.RateLimit = cfg.Exchange.RateLimit
	gatewayCfg.RateBurst = cfg.Exchange.RateBurst
	if !cfg.Trading.IsTestMode() {
		gatewayCfg.StreamEndpoint = cfg.Exchange.StreamEndpoint
	}
	gateway := exchange.NewGateway(rawAPI, eventBus, gatewayCfg, config.NewLogger("exchange"))

	if !cfg.Trading.IsTestMode() {
		authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := gateway.CheckAuth(authCtx)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Exchange authentication failed")
			return exitAuth
		}
		log.Info().Msg("Exchange authentication verified")
	}

	// Distributed trade mutex.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Mutex.URL,
		Password: cfg.Mutex.Password,
		DB:       cfg.Mutex.DB,
	})
	locks := locker.New(redisClient, config.NewLogger("locker"))
	defer locks.Close()

	safetyState := safety.New(safety.Limits{
		MaxDailyLossUSD: cfg.Safety.MaxDailyLossUSD,
		MaxDailyTrades:  cfg.Safety.MaxDailyTrades,
	}, config.NewLogger("safety"))

	portfolio := ledger.New(st, gateway, config.NewLogger("ledger"))

	cache := market.New(gateway, market.Config{
		TTL:        config.Duration(cfg.Market.CandleTTL, 30*time.Second),
		StaleGrace: config.Duration(cfg.Market.StaleGrace, 5*time.Minute),
		MaxEntries: cfg.Market.MaxEntries,
	}, config.NewLogger("market"))

	evaluator := signalpkg.NewEvaluator(st, cache, signalpkg.EvaluatorConfig{
		Thresholds:  signalpkg.Thresholds{Buy: cfg.Signals.BuyThreshold, Sell: cfg.Signals.SellThreshold},
		Cutoffs:     signalpkg.TempCutoffs{Hot: cfg.Signals.TempHot, Warm: cfg.Signals.TempWarm, Cool: cfg.Signals.TempCool},
		Granularity: cfg.Market.Granularity,
		CandleLimit: cfg.Market.CandleLimit,
	}, config.NewLogger("signal"))

	observer := newFillRecorder(safetyState, portfolio, config.NewLogger("fills"))

	monitor := trading.NewMonitor(st, gateway, eventBus, observer, trading.MonitorConfig{
		PollInterval: config.Duration(cfg.Trading.MonitorInterval, 2*time.Second),
		MaxDuration:  config.Duration(cfg.Trading.MaxMonitorDuration, 5*time.Minute),
		MaxWatchers:  cfg.Trading.MaxWatchers,
	}, config.NewLogger("monitor"))
	monitor.Start(ctx)

	decider := trading.NewDecider(st, gateway, safetyState, trading.DeciderConfig{
		MinOrderUSD:  cfg.Trading.MinOrderUSD,
		MinLotCrypto: cfg.Trading.MinLotCrypto,
	}, config.NewLogger("decider"))

	executor := trading.NewExecutor(st, gateway, decider, locks, monitor, eventBus, observer, trading.ExecutorConfig{
		MutexTTL: config.Duration(cfg.Trading.MutexTTL, 30*time.Second),
	}, config.NewLogger("executor"))

	sweeper := trading.NewSweeper(st, gateway, eventBus, observer, trading.SweeperConfig{
		Interval:            config.Duration(cfg.Trading.SweepInterval, 30*time.Second),
		Grace:               config.Duration(cfg.Trading.SweepGrace, 10*time.Second),
		StaleAlertThreshold: config.Duration(cfg.Trading.StaleAlertThreshold, 10*time.Minute),
		DrainTimeout:        drainTimeout,
	}, config.NewLogger("sweeper"))

	runner := signalpkg.NewRunner(st, evaluator, eventBus, executor,
		config.Duration(cfg.Signals.EvalInterval, 5*time.Second),
		config.NewLogger("runner"))

	// Alerts: structured log always, Telegram when configured.
	alertSinks := []alerts.Alerter{alerts.NewLogAlerter(config.NewLogger("alerts"))}
	if cfg.Alerts.TelegramToken != "" {
		tg, err := alerts.NewTelegramAlerter(cfg.Alerts.TelegramToken, []int64{cfg.Alerts.TelegramChatID}, config.NewLogger("telegram"))
		if err != nil {
			log.Warn().Err(err).Msg("Telegram alerter unavailable, continuing without it")
		} else {
			alertSinks = append(alertSinks, tg)
		}
	}
	alertManager := alerts.NewManager(config.NewLogger("alerts"), alertSinks...)

	// Start streaming for every configured pair.
	bots, err := st.ListBots(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list bots at startup")
	} else {
		pairs := make([]string, 0, len(bots))
		for _, bot := range bots {
			pairs = append(pairs, bot.Pair)
		}
		if len(pairs) > 0 {
			gateway.StartStreaming(ctx, pairs)
		}
	}

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		metricsServer.Start()
	}

	apiServer := api.NewServer(
		api.Config{
			Host:                       cfg.API.Host,
			Port:                       cfg.API.Port,
			DefaultConfirmationSeconds: cfg.Signals.ConfirmationSecs,
			DefaultCooldownSeconds:     cfg.Signals.CooldownSecs,
			OnEmergencyStop:            monitor.Abort,
		},
		st, evaluator, portfolio, safetyState, eventBus,
		config.NewLogger("api"),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		alertManager.Watch(ctx, eventBus)
	}()
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("API server exited")
			stop()
		}
	}()

	log.Info().Msg("Engine running")
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	gateway.StopStreaming()
	if err := apiServer.Stop(drainCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(drainCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	// Runner, sweeper and alert watcher observe ctx; the sweeper runs one
	// final reconciliation pass on its way out.
	wg.Wait()

	// Bounded wait for in-flight order watchers.
	watchersDone := make(chan struct{})
	go func() {
		monitor.Wait()
		close(watchersDone)
	}()
	select {
	case <-watchersDone:
	case <-drainCtx.Done():
		log.Warn().Int("watchers", monitor.Watching()).Msg("Drain timeout with watchers still running")
	}

	eventBus.Close()
	log.Info().Msg("Engine stopped")
	return exitOK
}
