package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/rfoley/tradewarden/internal/api"
	"github.com/rfoley/tradewarden/internal/breaker"
	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/config"
	"github.com/rfoley/tradewarden/internal/monitor"
	"github.com/rfoley/tradewarden/internal/oms"
	"github.com/rfoley/tradewarden/internal/positions"
	"github.com/rfoley/tradewarden/internal/queue"
	"github.com/rfoley/tradewarden/internal/risk"
	"github.com/rfoley/tradewarden/internal/rules"
	"github.com/rfoley/tradewarden/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; environment wins over file values either way.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[TW] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting tradewarden in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewGormStorage(cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	var base broker.Broker
	switch cfg.Broker.Provider {
	case "alpaca":
		base = broker.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.BaseURL)
	default:
		base = broker.NewPaperBroker()
	}
	brk := broker.NewCircuitBreakerBrokerWithSettings(
		base,
		logger,
		breaker.Settings{
			Name:             "market-data",
			FailureThreshold: uint32(cfg.Breakers.MarketDataFailures),
			Cooldown:         cfg.GetMarketDataCooldown(),
		},
		breaker.Settings{
			Name:             "trading",
			FailureThreshold: uint32(cfg.Breakers.TradingFailures),
			Cooldown:         cfg.GetTradingCooldown(),
		},
		broker.DefaultTimeouts,
	)

	orderManager := oms.NewManager(logger)
	orderQueue := queue.New(brk, orderManager, store, logger, queue.Config{
		RateLimitDelay: cfg.GetRateLimitDelay(),
		MaxRetries:     cfg.Queue.MaxRetries,
		RetryDelay:     cfg.GetRetryDelay(),
		Retry:          queue.DefaultConfig.Retry,
	})

	riskEngine := risk.NewEngine(store, brk, nil, logger)
	ruleEngine := rules.NewEngine(store, brk, orderQueue, logger)
	positionEngine := positions.NewEngine(store, brk, orderQueue, riskEngine, logger)

	mon := monitor.New(store, brk, ruleEngine, positionEngine, orderQueue, orderManager, logger, monitor.Config{
		Interval:          cfg.GetTickInterval(),
		SnapshotThrottle:  cfg.GetSnapshotThrottle(),
		SnapshotRetention: cfg.GetSnapshotRetention(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down", sig)
		cancel()
	}()

	var server *api.Server
	if cfg.Server.Enabled {
		apiLogger := logrus.New()
		if cfg.Environment.LogLevel == "debug" {
			apiLogger.SetLevel(logrus.DebugLevel)
		}
		server = api.NewServer(api.Config{
			Port:      cfg.Server.Port,
			AuthToken: cfg.Server.AuthToken,
		}, store, brk, ruleEngine, positionEngine, riskEngine, mon, apiLogger)
		go func() {
			if err := server.Start(); err != nil && ctx.Err() == nil {
				logger.Printf("API server error: %v", err)
			}
		}()
	}

	mon.Start(ctx)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("API server shutdown: %v", err)
		}
	}
	logger.Println("Shutdown complete")
}
