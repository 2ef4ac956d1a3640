package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"riskguard/internal/api"
	"riskguard/internal/bot"
	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/marketctx"
	"riskguard/internal/repository"
	"riskguard/internal/websocket"
	"riskguard/pkg/utils"
)

func main() {
	// .env необязателен: в контейнере всё приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("riskguard stopped with error", utils.Err(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("riskguard exited")
}

// run собирает компоненты и блокируется до отмены ctx
func run(ctx context.Context, cfg *config.Config, log *utils.Logger) error {
	// ============ Хранилище ============

	db, dialect, err := repository.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("database ready", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	ledger := repository.NewLedgerRepository(db, dialect)
	events := repository.NewEventRepository(db, dialect)

	tpBackend, milestoneStore, closeStore, err := openStateStore(cfg, db, dialect)
	if err != nil {
		return err
	}
	defer closeStore()

	// ============ Биржа и контекст рынка ============

	httpClient := exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig())

	var exch exchange.Exchange
	switch cfg.Exchange.Mode {
	case "binance":
		exch = exchange.NewBinance(cfg.Exchange, httpClient, log)
	default:
		exch = exchange.NewPaper()
	}
	defer exch.Close()
	log.Info("exchange selected", utils.String("exchange", exch.GetName()), utils.Bool("testnet", cfg.Exchange.Testnet))

	var ctxProvider marketctx.Provider = marketctx.NoopProvider{}
	switch cfg.MarketContext.Source {
	case "klines":
		ctxProvider = marketctx.NewCachedProvider(marketctx.NewKlineProvider(exch), cfg.MarketContext.CacheTTL, log)
	case "http":
		ctxProvider = marketctx.NewCachedProvider(
			marketctx.NewHTTPProvider(cfg.MarketContext.URL, cfg.MarketContext.Timeout, httpClient),
			cfg.MarketContext.CacheTTL, log)
	}

	// ============ События ============

	hub := websocket.NewHub(log, cfg.Server.AllowedOrigins...)
	go hub.Run(ctx)
	defer hub.Stop()

	observer := bot.NewObserver(cfg.Engine.EventBuffer, cfg.Engine.EventThrottle, log,
		hub, bot.SinkFunc(events.Insert))

	// ============ Движки ============

	lock := bot.NewCloseLock(cfg.Engine.CloseLockTTL, 16)
	executor := bot.NewGuardedExecutor(exch, lock, cfg.Engine.CallTimeout, log)
	limits := bot.NewLimitsCache(exch, cfg.Engine.CallTimeout)

	tpStore := bot.NewTpStateStore(tpBackend, cfg.Engine.CallTimeout, log)
	if err := tpStore.Warm(ctx); err != nil {
		// не фатально: состояние подтянется по одному при оценке
		log.Warn("tp state warm-up failed", utils.Err(err))
	}

	var trailing *bot.TrailingMonitor
	if cfg.Trailing.Enabled {
		trailing = bot.NewTrailingMonitor(cfg.Trailing, bot.TrailingDeps{
			Ledger:     ledger,
			Positions:  exch,
			Limits:     limits,
			Executor:   executor,
			Store:      tpStore,
			Reconciler: bot.NewReconciler(ledger, exch, tpStore, observer, cfg.Engine.CallTimeout, log),
			Observer:   observer,
			Timeout:    cfg.Engine.CallTimeout,
		}, log)
	}

	var planner *bot.MilestonePlanner
	if cfg.Milestone.Enabled {
		planner = bot.NewMilestonePlanner(cfg.Milestone, bot.MilestoneDeps{
			Executor: executor,
			Context:  ctxProvider,
			Store:    milestoneStore,
			Observer: observer,
			Timeout:  cfg.Engine.CallTimeout,
		}, log)
	}

	var rescue *bot.RescueManager
	if cfg.Rescue.Enabled {
		rescue = bot.NewRescueManager(cfg.Rescue, bot.RescueDeps{
			Executor: executor,
			Context:  ctxProvider,
			Limits:   limits,
			Observer: observer,
			Timeout:  cfg.Engine.CallTimeout,
		}, log)
	}

	engine := bot.NewEngine(cfg.Engine, bot.EngineDeps{
		Positions:   exch,
		Limits:      limits,
		Context:     ctxProvider,
		Trailing:    trailing,
		Planner:     planner,
		Rescue:      rescue,
		TpStore:     tpStore,
		Observer:    observer,
		Broadcaster: hub,
	}, log)

	if ret := cfg.Database.EventRetention; ret > 0 {
		pruner := bot.NewScheduler(time.Hour, func(ctx context.Context) {
			n, err := events.DeleteOlderThan(ctx, time.Now().Add(-ret))
			if err != nil {
				log.Warn("event retention failed", utils.Err(err))
				return
			}
			if n > 0 {
				log.Info("old events pruned", utils.Int64("deleted", n))
			}
		})
		pruner.Start(ctx)
		defer pruner.Stop()
	}

	// ============ HTTP ============

	router := api.SetupRoutes(&api.Dependencies{
		State:        engine,
		EventStore:   events,
		RecentEvents: observer,
		Hub:          hub,
		TokenHash:    cfg.Security.APITokenHash,
		Log:          log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Run(engineCtx) }()

	// ============ Graceful shutdown ============

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", utils.Err(err))
	}

	cancelEngine()
	select {
	case <-engineErr:
	case <-shutdownCtx.Done():
		log.Warn("engine did not stop in time")
	}

	return runErr
}

// openStateStore выбирает хранилище TpState и снимков milestone
func openStateStore(cfg *config.Config, db *sql.DB, dialect repository.Dialect) (bot.TpStateBackend, bot.MilestoneStore, func(), error) {
	switch cfg.Store.Backend {
	case "badger":
		store, err := repository.OpenBadger(repository.BadgerOptions{
			Path:     cfg.Store.BadgerPath,
			InMemory: cfg.Store.BadgerInMemory,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger: %w", err)
		}
		return store.TpStates(), store.Milestones(), func() { _ = store.Close() }, nil

	case "memory":
		return bot.NoopTpStateBackend{}, bot.NoopMilestoneStore{}, func() {}, nil

	default:
		return repository.NewTpStateRepository(db, dialect),
			repository.NewMilestoneRepository(db, dialect),
			func() {}, nil
	}
}
