// AI Trading Orchestrator — drives configured trading bots through repeated
// decision cycles: market ingestion, a hot-swappable workflow pipeline, a
// multi-role LLM debate, risk validation, and order execution.
//
// Architecture:
//
//	main.go              — entry point: config, store, registry, supervisor, signals
//	bot/supervisor.go    — bot_id → worker registry, lifecycle, fault isolation
//	bot/worker.go        — per-bot cycle scheduler (READY → LOOP → SLEEP)
//	pipeline/            — workflow snapshots, conditional edges, checkpointing
//	plugins/             — built-in nodes (coins_pick … execution)
//	debate/              — analyst → bull/bear rounds → risk-manager synthesis
//	llm/                 — OpenAI / Anthropic / Ollama adapters, fallback chains
//	marketdata/          — cache-through poll provider over the exchange adapter
//	stream/              — WebSocket feeds + subscription reconciliation
//	exchange/            — rate-limited venue clients, paper fill layer
//	risk/                — limit table, breakers, trailing-stop proposals
//	store/               — SQLite durable state + immutable checkpoints
//	control/             — in-process facade for the presentation layer
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"aitrader/internal/bot"
	"aitrader/internal/cache"
	"aitrader/internal/config"
	"aitrader/internal/debate"
	"aitrader/internal/exchange"
	"aitrader/internal/llm"
	"aitrader/internal/marketdata"
	"aitrader/internal/pipeline"
	"aitrader/internal/plugins"
	"aitrader/internal/store"
	"aitrader/internal/stream"
	"aitrader/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	flag.Parse()
	if p := os.Getenv("TRADER_CONFIG"); p != "" && *cfgPath == "configs/config.yaml" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	runtime := config.NewRuntime(*cfg)
	runtime.Watch(*cfgPath, func(next config.Config) {
		logger.Info("config reloaded", "path", *cfgPath)
	})

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dsn", cfg.Store.DSN)
		os.Exit(1)
	}
	defer st.Close()

	registry := pipeline.NewRegistry()
	plugins.RegisterAll(registry)

	bootSession := st.NewSession()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Propose node_configs rows for every registered plugin. Workflows with
	// the user-edit marker are never touched.
	if err := registry.SyncNodeConfigs(ctx, bootSession); err != nil {
		logger.Error("plugin auto-sync failed", "error", err)
		os.Exit(1)
	}

	publisher, err := bot.NewStatusPublisher(cfg.Store.StatusDir)
	if err != nil {
		logger.Error("failed to create status dir", "error", err)
		os.Exit(1)
	}

	limiters := exchange.NewLimiters(func(venue string) int {
		return runtime.Snapshot().RateLimit.Quota(venue)
	})
	prompts := debate.LoadPrompts(cfg.Prompts.Dir)

	factory := workerFactory(st, runtime, registry, limiters, prompts, publisher, logger)
	supervisor := bot.NewSupervisor(factory, bootSession, publisher,
		time.Duration(cfg.Scheduler.StopDrainSec)*time.Second, logger)

	logger.Info("trading core starting", "config", *cfgPath, "store", cfg.Store.DSN)

	// Auto-start the bots marked for it.
	bots, err := bootSession.ListBots(ctx)
	if err != nil {
		logger.Error("failed to list bots", "error", err)
		os.Exit(1)
	}
	for _, b := range bots {
		if !b.AutoStart {
			continue
		}
		if err := supervisor.Start(ctx, b.ID); err != nil {
			logger.Error("auto-start failed", "bot", b.ID, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	supervisor.StopAll(shutdownCtx)
	logger.Info("trading core stopped cleanly")
}

// workerFactory wires a complete worker for one bot: its own store session,
// its exchange adapter behind the shared rate limiter (paper-wrapped unless
// the bot trades live), its stream feed, poller, and pipeline runner.
func workerFactory(
	st *store.Store,
	runtime *config.Runtime,
	registry *pipeline.Registry,
	limiters *exchange.Limiters,
	prompts debate.Prompts,
	publisher *bot.StatusPublisher,
	base *slog.Logger,
) bot.Factory {
	return func(ctx context.Context, botCfg types.BotConfig) (*bot.Worker, error) {
		appCfg := runtime.Snapshot()
		session := st.NewSession()

		exCfg, err := session.GetExchange(ctx, botCfg.ExchangeID)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", botCfg.ExchangeID, err)
		}

		var venue exchange.Adapter
		switch exCfg.Name {
		case "binance":
			venue = exchange.NewBinance(exCfg)
		default:
			return nil, fmt.Errorf("unsupported exchange %q", exCfg.Name)
		}

		rl := exchange.NewRateLimited(
			venue,
			limiters.Bucket(exCfg.Name),
			appCfg.RateLimit.MaxConcurrentRequests,
			appCfg.RateLimit.Adaptive,
			base,
		)

		var adapter exchange.Adapter = rl
		if botCfg.TradingMode != types.ModeLive {
			adapter = exchange.NewPaper(rl, paperBalance(ctx, session), exCfg.Slippage, exCfg.FeeRate)
		}

		botLogger, _ := bot.NewBotLogger(appCfg.Store.LogDir, botCfg.ID, parseLogLevel(appCfg.Logging.Level), os.Stdout)

		route := exchange.BinanceRoute
		feed := stream.NewFeed(venue.StreamURL(), venue.SubscribePayload, route, botLogger)
		streams := stream.NewManager(feed, botLogger)

		c := cache.New()
		ttl := func(ns string) time.Duration { return runtime.Snapshot().Cache.TTL(ns) }
		poller := marketdata.NewPoller(adapter, c, ttl, botLogger)

		return bot.NewWorker(bot.Deps{
			Bot:       botCfg,
			Session:   session,
			Adapter:   adapter,
			Poller:    poller,
			Cache:     c,
			TTL:       ttl,
			Streams:   streams,
			Feed:      feed,
			Runner:    pipeline.NewRunner(registry, session, botLogger),
			LLM:       llm.NewFactory(session),
			Prompts:   prompts,
			Scheduler: appCfg.Scheduler,
			Debate:    appCfg.Debate,
			Publisher: publisher,
			Logger:    botLogger,
		}), nil
	}
}

// paperBalance reads the configured paper starting equity, defaulting to
// 10000 USD.
func paperBalance(ctx context.Context, session *store.Session) float64 {
	raw, ok, err := session.GetSystemConfig(ctx, "paper_starting_balance")
	if err != nil || !ok {
		return 10000
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 10000
	}
	return v
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
