package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nexapay/settler/internal/api"
	"github.com/nexapay/settler/internal/approval"
	"github.com/nexapay/settler/internal/chain"
	"github.com/nexapay/settler/internal/config"
	"github.com/nexapay/settler/internal/database"
	"github.com/nexapay/settler/internal/dispatcher"
	"github.com/nexapay/settler/internal/events"
	"github.com/nexapay/settler/internal/ledger"
	"github.com/nexapay/settler/internal/telemetry"
	"github.com/nexapay/settler/internal/tracker"
	"github.com/nexapay/settler/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := telemetry.Setup(context.Background())
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			zapLogger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate tables", zap.Error(err))
	}

	var emitter events.Emitter = events.NopEmitter{}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		emitter = events.NewKafkaEmitter(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
	} else {
		zapLogger.Warn("No Kafka brokers configured, domain events will be dropped")
	}
	defer emitter.Close()

	registry, err := buildRegistry(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build chain registry", zap.Error(err))
	}
	zapLogger.Info("Chain adapters ready", zap.Strings("chains", registry.Chains()))

	trk := tracker.New(tracker.Config{
		PollInterval:  cfg.Tracker.PollInterval,
		MaxInterval:   cfg.Tracker.MaxInterval,
		Deadline:      cfg.Tracker.Deadline,
		NotFoundLimit: cfg.Tracker.NotFoundLimit,
	}, zapLogger)
	reconciler := ledger.New(db, emitter, zapLogger)
	gate := approval.NewGate(db, registry, approval.NewRoleDirectory(db), emitter, zapLogger)

	disp := dispatcher.New(db, registry, trk, reconciler, emitter, dispatcher.Config{
		Interval:           cfg.Dispatcher.Interval,
		BatchSize:          cfg.Dispatcher.BatchSize,
		Workers:            cfg.Dispatcher.Workers,
		SubmitRetries:      cfg.Dispatcher.SubmitRetries,
		SubmitRetryBackoff: cfg.Dispatcher.SubmitRetryBackoff,
		StaleAfter:         cfg.Dispatcher.StaleAfter,
	}, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := disp.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	server := api.NewServer(db, gate, zapLogger)
	go func() {
		if err := server.Run(cfg.API.Addr); err != nil {
			zapLogger.Fatal("API server exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zapLogger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()
	disp.Stop()
}

// buildRegistry constructs one adapter per configured chain. Unknown
// families were already rejected at config load.
func buildRegistry(cfg *config.Config, zapLogger *zap.Logger) (*chain.Registry, error) {
	adapters := make([]chain.Adapter, 0, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		switch chainCfg.Family {
		case "evm":
			assets := make(map[string]chain.EVMAsset, len(chainCfg.Assets))
			for currency, asset := range chainCfg.Assets {
				assets[currency] = chain.EVMAsset{Contract: asset.Contract, Decimals: asset.Decimals}
			}
			adapter, err := chain.NewEVMAdapter(name, chainCfg.RPCURL, chainCfg.SigningKey, chainCfg.ChainID, assets, zapLogger)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		case "solana":
			assets := make(map[string]chain.SolanaAsset, len(chainCfg.Assets))
			for currency, asset := range chainCfg.Assets {
				assets[currency] = chain.SolanaAsset{Mint: asset.Mint, Decimals: asset.Decimals}
			}
			adapter, err := chain.NewSolanaAdapter(name, chainCfg.RPCURL, chainCfg.SigningKey, assets, zapLogger)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		}
	}
	return chain.NewRegistry(adapters...)
}
