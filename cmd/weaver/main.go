// Command weaver launches the trading core runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/config"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/exchange"
	"github.com/5TFG4/Weaver-sub000/internal/infra/persistence/migrations"
	"github.com/5TFG4/Weaver-sub000/internal/infra/persistence/postgres"
	"github.com/5TFG4/Weaver-sub000/internal/live"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/orchestrator"
	"github.com/5TFG4/Weaver-sub000/internal/router"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
	strategyjs "github.com/5TFG4/Weaver-sub000/internal/strategy/js"
	"github.com/5TFG4/Weaver-sub000/lib/telemetry"
)

const (
	defaultConfigPath        = "config/weaver.yaml"
	weaverLoggerPrefix       = "weaver "
	auditConsumerID          = "core.audit"
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, weaverLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(weaverLoggerPrefix, cfg.Debug))
	logger.Printf("configuration loaded: env=%s, timeframe=%s", cfg.Environment, cfg.Trading.DefaultTimeframe)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if err := migrations.Apply(ctx, cfg.Database.URL); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxConns: int32(cfg.Database.PoolSize + cfg.Database.PoolOverflow),
		MinConns: int32(cfg.Database.PoolSize),
	})
	if err != nil {
		logger.Fatalf("open database pool: %v", err)
	}

	outboxStore := postgres.NewOutboxStore(pool)
	offsetStore := postgres.NewOffsetStore(pool)
	barStore := postgres.NewBarStore(pool)
	runStore := postgres.NewRunStore(pool)
	orderStore := postgres.NewOrderStore(pool)

	elog := eventlog.New(outboxStore, eventlog.Config{
		MaxPayloadBytes: cfg.Event.MaxPayloadBytes,
		Registry:        schema.NewRegistry(),
	})

	audit := eventlog.NewConsumer(auditConsumerID, elog, offsetStore, auditHandler, eventlog.ConsumerConfig{
		BatchSize:    cfg.Event.BatchSize,
		PollInterval: time.Duration(cfg.Event.PollIntervalMS) * time.Millisecond,
	})
	audit.Start(ctx)

	listener := postgres.NewListener(pool)
	listener.Register(audit)
	listener.Start(ctx)

	sweeper := eventlog.NewSweeper(outboxStore,
		time.Duration(cfg.Event.RetentionDays)*24*time.Hour, 0)
	sweeper.Start(ctx)

	venue, err := buildVenue(cfg.Trading)
	if err != nil {
		logger.Fatalf("initialise venue: %v", err)
	}
	var quotes *exchange.QuoteStream
	if cfg.Trading.QuoteStreamURL != "" {
		quotes = exchange.NewQuoteStream(cfg.Trading.QuoteStreamURL, venue)
		quotes.Start(ctx)
		logger.Printf("quote stream connected: %s", cfg.Trading.QuoteStreamURL)
	}

	liveSvc := live.NewService(elog, venue, orderStore, barStore, runStore, live.Config{
		PlaceTimeout:    time.Duration(cfg.Trading.OrderTimeoutSeconds) * time.Second,
		CancelTimeout:   time.Duration(cfg.Trading.OrderTimeoutSeconds) * time.Second,
		SubmitPerSecond: float64(cfg.Trading.RateLimitPerMinute) / 60,
		SubmitBurst:     cfg.Trading.MaxConcurrentOrders,
	})
	liveSvc.Start(ctx)

	domainRouter := router.New(elog, runStore)
	domainRouter.Start()

	if cfg.StrategyDir != "" {
		loader, err := strategyjs.NewLoader(cfg.StrategyDir)
		if err != nil {
			logger.Fatalf("load strategy modules: %v", err)
		}
		strategyjs.RegisterAll(loader)
		logger.Printf("strategy modules loaded: %d from %s", len(loader.List()), cfg.StrategyDir)
	}

	orch := orchestrator.New(elog, runStore, barStore, orderStore, orchestrator.Config{})
	if err := orch.RecoverInterrupted(ctx); err != nil {
		logger.Fatalf("recover interrupted runs: %v", err)
	}
	orch.Start()

	logger.Print("weaver started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	orch.Stop(shutdownCtx)
	domainRouter.Stop()
	liveSvc.Stop()
	if quotes != nil {
		quotes.Stop()
	}
	if err := venue.Close(); err != nil {
		logger.Printf("shutdown: venue close: %v", err)
	}
	sweeper.Stop()
	listener.Stop()
	audit.Stop()
	elog.Close()
	pool.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	if err := telemetryShutdown(telemetryCtx); err != nil {
		logger.Printf("shutdown: telemetry: %v", err)
	}

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return filepath.Clean(*cfgPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// buildVenue seeds the simulated venue with the configured starting prices.
func buildVenue(cfg config.TradingConfig) (*exchange.SimVenue, error) {
	basePrices := make(map[string]decimal.Decimal, len(cfg.SimPrices))
	for symbol, raw := range cfg.SimPrices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("sim price for %s: %w", symbol, err)
		}
		basePrices[symbol] = price
	}
	return exchange.NewSimVenue(basePrices), nil
}

// auditHandler checkpoints consumed offsets so restarts can report how far
// the core had processed. The record itself needs no side effects.
func auditHandler(_ context.Context, rec outbox.Record) error {
	observability.Log().Debug("audit",
		observability.F("offset", rec.Offset),
		observability.F("type", string(rec.Envelope.Type)),
		observability.F("producer", rec.Envelope.Producer))
	return nil
}
