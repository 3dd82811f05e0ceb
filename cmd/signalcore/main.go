package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalcore/internal/api"
	"signalcore/internal/engine"
	"signalcore/internal/events"
	"signalcore/internal/executor"
	"signalcore/internal/notify"
	"signalcore/internal/ratelimit"
	"signalcore/internal/risk"
	"signalcore/internal/session"
	"signalcore/internal/stream"
	"signalcore/internal/symbol"
	"signalcore/pkg/config"
	"signalcore/pkg/db"
	"signalcore/pkg/exchanges/binance"
	"signalcore/pkg/exchanges/bitget"
	"signalcore/pkg/exchanges/bybit"
	"signalcore/pkg/exchanges/common"
	"signalcore/pkg/exchanges/okx"
	"signalcore/pkg/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := log.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	store, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	pool := session.NewPool(store, newAdapter, session.Config{
		MaxSize:          cfg.Policy.Session.MaxSize,
		IdleTimeout:      cfg.Policy.Session.IdleTimeout,
		FailureThreshold: session.DefaultConfig().FailureThreshold,
		CircuitTimeout:   session.DefaultConfig().CircuitTimeout,
	}, logger.Named("session"))
	pool.Start(ctx)
	defer pool.Stop()

	streams := stream.NewManager(stream.Policy{
		HeartbeatInterval: cfg.Policy.Stream.HeartbeatInterval,
		HeartbeatMisses:   cfg.Policy.Stream.HeartbeatMisses,
		ReconnectBase:     cfg.Policy.Stream.ReconnectBase,
		ReconnectMax:      cfg.Policy.Stream.ReconnectMax,
		ReconnectJitter:   cfg.Policy.Stream.ReconnectJitter,
	}, bus, logger.Named("stream"))
	defer streams.Stop()

	limiter := ratelimit.New(ratelimit.Limits{
		AccountPerSecond: cfg.Policy.Limits.AccountPerSecond,
		AccountBurst:     cfg.Policy.Limits.AccountBurst,
		SignalPerSecond:  cfg.Policy.Limits.SignalPerSecond,
		SignalBurst:      cfg.Policy.Limits.SignalBurst,
	})

	monitor := executor.NewMonitor(executor.MonitorConfig{
		Interval:       cfg.Policy.Monitor.Interval,
		MaxAttempts:    cfg.Policy.Monitor.MaxAttempts,
		PriceTolerance: decimal.NewFromFloat(cfg.Policy.Monitor.PriceTolerance),
	}, limiter, streams, logger.Named("monitor"))

	ceilings := risk.Ceilings{
		MaxLeverage: cfg.Policy.MaxLeverage,
		MaxRiskPct:  decimal.NewFromFloat(cfg.Policy.MaxRiskPercentage),
	}
	exec := executor.New(limiter, monitor, store, ceilings, logger.Named("executor"))

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		relay := notify.NewRelay(bus,
			notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID),
			logger.Named("notify"))
		go relay.Run(ctx)
		logger.Info("telegram notifications enabled")
	}

	eng := engine.New(store, pool, symbol.NewResolver(cfg.Policy.SymbolTTL), exec,
		streams, limiter, bus,
		engine.Config{Timeout: cfg.Policy.FanOut.Timeout}, logger.Named("engine"))

	server := api.NewServer(cfg, eng, store, logger.Named("api"))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

// newAdapter builds the venue client for one credential set.
func newAdapter(creds common.Credentials) (common.Adapter, error) {
	switch creds.Exchange {
	case common.ExchangeBybit:
		return bybit.New(creds), nil
	case common.ExchangeOKX:
		return okx.New(creds), nil
	case common.ExchangeBitget:
		return bitget.New(creds), nil
	case common.ExchangeBinance:
		return binance.New(creds), nil
	default:
		return nil, &common.ConfigError{Field: "exchange", Reason: fmt.Sprintf("unsupported exchange %q", creds.Exchange)}
	}
}
