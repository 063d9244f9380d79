package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/toolmeter/internal/api/handler"
	"github.com/cuongbtq/toolmeter/internal/api/router"
	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/cuongbtq/toolmeter/internal/config"
	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/cuongbtq/toolmeter/internal/ledger"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
	"github.com/cuongbtq/toolmeter/internal/tools"
	"github.com/cuongbtq/toolmeter/shared/logger"
	"github.com/cuongbtq/toolmeter/shared/postgresql"
	"github.com/cuongbtq/toolmeter/shared/rabbitmq"
	"github.com/cuongbtq/toolmeter/shared/redis"
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

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	healthChecks := map[string]handler.HealthCheck{
		"postgres": dbClient.HealthCheck,
		"rabbitmq": rabbitClient.HealthCheck,
	}

	var limiterStore ratelimit.Store
	switch cfg.RateLimit.Backend {
	case config.RateLimitBackendRedis:
		redisClient, err := redis.NewClient(cfg.RedisClientConfig(), appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		healthChecks["redis"] = redisClient.HealthCheck
		limiterStore = ratelimit.NewRedisStore(redisClient.GetClient(), cfg.RateLimit.KeyPrefix)
	case config.RateLimitBackendPostgres:
		limiterStore = ratelimit.NewPostgresStore(dbClient.GetDB())
	default:
		appLogger.Warn("Using in-process rate limit counters; limits are not shared between replicas")
		limiterStore = ratelimit.NewMemoryStore()
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	registry, err := processor.NewRegistry(tools.Processors(catalog)...)
	if err != nil {
		return fmt.Errorf("failed to build processor registry: %w", err)
	}
	plans, err := cfg.Plans()
	if err != nil {
		return err
	}

	creditLedger := ledger.NewLedger(ledger.NewPostgresStore(dbClient.GetDB()), appLogger.Component("ledger"))

	jobService := jobs.NewService(jobs.Dependencies{
		Store:    jobs.NewPostgresStore(dbClient.GetDB()),
		Ledger:   creditLedger,
		Limiter:  ratelimit.NewLimiter(limiterStore, cfg.RateLimit.Config, appLogger.Component("ratelimit")),
		Registry: registry,
		Catalog:  catalog,
		Notifier: rabbitClient,
		Logger:   appLogger.Component("jobs"),
	})

	reconciler := billing.NewReconciler(
		billing.NewPostgresStore(dbClient.GetDB()),
		creditLedger,
		plans,
		appLogger.Component("billing"),
	)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:             appLogger.Component("http"),
		Jobs:               jobService,
		Credits:            creditLedger,
		Billing:            reconciler,
		WebhookSecret:      []byte(cfg.Billing.Webhook.Secret),
		SignatureTolerance: cfg.Billing.Webhook.SignatureTolerance,
		HealthChecks:       healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.String("rate_limit_backend", cfg.RateLimit.Backend),
		slog.Int("tools", len(catalog)),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
