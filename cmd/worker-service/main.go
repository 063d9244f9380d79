package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/toolmeter/internal/config"
	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/cuongbtq/toolmeter/internal/ledger"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
	"github.com/cuongbtq/toolmeter/internal/tools"
	"github.com/cuongbtq/toolmeter/internal/worker"
	"github.com/cuongbtq/toolmeter/shared/logger"
	"github.com/cuongbtq/toolmeter/shared/postgresql"
	"github.com/cuongbtq/toolmeter/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	dbClient, err := postgresql.NewClient(cfg.PostgresConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.App.MigrateOnStart {
		if err := dbClient.MigrateUp(context.Background()); err != nil {
			return err
		}
	}

	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQClientConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	registry, err := processor.NewRegistry(tools.Processors(catalog)...)
	if err != nil {
		return fmt.Errorf("failed to build processor registry: %w", err)
	}

	jobStore := jobs.NewPostgresStore(dbClient.GetDB())
	creditLedger := ledger.NewLedger(ledger.NewPostgresStore(dbClient.GetDB()), appLogger.Component("ledger"))
	settler := jobs.NewSettler(creditLedger, appLogger.Component("settler"))

	workerInstance, err := worker.NewWorker(worker.Config{
		ID:                workerID,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ClaimRate:         cfg.Worker.ClaimRate,
		ClaimBurst:        cfg.Worker.ClaimBurst,
		Backoff:           cfg.Worker.Backoff,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
	}, worker.Dependencies{
		Store:    jobStore,
		Registry: registry,
		Catalog:  catalog,
		Settler:  settler,
		Notices:  rabbitClient,
		Logger:   appLogger.Component("worker"),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	if cfg.Sweeper.Enabled {
		sweeperDeps := worker.SweeperDependencies{
			Store:   jobStore,
			Ledger:  creditLedger,
			Settler: settler,
			Locker:  dbClient.NewAdvisoryLock(sweeperLockName(cfg)),
			Logger:  appLogger.Component("sweeper"),
		}
		// redis windows expire by TTL and memory windows live in the API process
		if cfg.RateLimit.Backend == config.RateLimitBackendPostgres {
			sweeperDeps.Purger = ratelimit.NewPostgresStore(dbClient.GetDB())
		}

		sweeper := worker.NewSweeper(worker.SweeperConfig{
			Interval:           cfg.Sweeper.Interval,
			StaleAfter:         cfg.Sweeper.StaleAfter,
			SettleAfter:        cfg.Sweeper.SettleAfter,
			RateLimitRetention: cfg.Sweeper.RateLimitRetention,
			BatchSize:          cfg.Sweeper.BatchSize,
		}, sweeperDeps)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		cancel()
		wg.Wait()
		return err
	}

	cancel()
	workerInstance.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func sweeperLockName(cfg *config.Config) string {
	if cfg.Sweeper.LockName != "" {
		return cfg.Sweeper.LockName
	}
	return "toolmeter-sweeper"
}
