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
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/agent"
	"github.com/cuongbtq/listing-orchestrator/internal/api/router"
	"github.com/cuongbtq/listing-orchestrator/internal/config"
	"github.com/cuongbtq/listing-orchestrator/internal/domain"
	"github.com/cuongbtq/listing-orchestrator/internal/events"
	"github.com/cuongbtq/listing-orchestrator/internal/handler"
	"github.com/cuongbtq/listing-orchestrator/internal/marketplace"
	"github.com/cuongbtq/listing-orchestrator/internal/ratelimit"
	"github.com/cuongbtq/listing-orchestrator/internal/retry"
	"github.com/cuongbtq/listing-orchestrator/internal/storage/postgres"
	"github.com/cuongbtq/listing-orchestrator/internal/tenant"
	"github.com/cuongbtq/listing-orchestrator/internal/worker"
	"github.com/cuongbtq/listing-orchestrator/shared/logger"
	"github.com/cuongbtq/listing-orchestrator/shared/postgresql"
	"github.com/cuongbtq/listing-orchestrator/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	store := postgres.NewStore(dbClient, appLogger.Logger)
	if cfg.Database.Migrate {
		if err := prepareStore(store, cfg.Tenants); err != nil {
			dbClient.Close()
			return err
		}
	}

	// RabbitMQ is optional: without it the pool relies on polling alone
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		appLogger.Info("RabbitMQ connection established")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	sink := initEvents(cfg, appLogger.Logger, rabbitClient)

	channel := agent.NewChannel(agent.Config{
		MaxBatch:    cfg.Agent.MaxBatch,
		PollTimeout: cfg.Agent.PollTimeout,
	}, appLogger.Logger)

	registry, err := initRegistry(cfg, channel)
	if err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	// Unset backoff falls back to the engine default
	var backoff retry.Strategy
	if cfg.Worker.RetryBackoffInitial > 0 {
		backoff = retry.NewExponentialWithJitter(cfg.Worker.RetryBackoffInitial, cfg.Worker.RetryBackoffMax)
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             store,
		Registry:          registry,
		Engine:            retry.NewEngine(backoff),
		Events:            sink,
		RabbitClient:      rabbitClient,
		WorkerID:          workerID(),
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		PollInterval:      cfg.Worker.PollInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		DefaultMaxRetries: cfg.Worker.MaxRetries,
	})

	sweeper := worker.NewSweeper(&worker.SweeperConfig{
		Logger:            appLogger.Logger,
		Store:             store,
		Events:            sink,
		Interval:          cfg.Worker.SweepInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
		Retention:         cfg.Worker.Retention,
		DefaultMaxRetries: cfg.Worker.MaxRetries,
	})

	// Agent endpoints, health and metrics share one listener
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      initRouter(cfg, appLogger.Logger, channel, store),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 2)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	go sweeper.Run(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("agent server failed: %w", err)
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("address", addr),
		slog.Any("handlers", registry.Keys()),
	)

	// Wait for interrupt signal
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
		return err
	}

	// Cancel context to stop worker, sweeper and any held agent polls
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Agent server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// prepareStore applies migrations and registers the configured tenants
func prepareStore(store *postgres.Store, tenants []config.TenantConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	for _, t := range tenants {
		if _, err := store.ProvisionTenant(ctx, tenant.Tenant{ID: t.ID, MaxRetries: t.MaxRetries}); err != nil {
			return fmt.Errorf("failed to provision tenant %s: %w", t.ID, err)
		}
	}
	return nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initEvents builds the lifecycle event sink
func initEvents(cfg *config.Config, logger *slog.Logger, rabbitClient *rabbitmq.Client) events.Sink {
	sinks := events.Multi{events.NewLogSink(logger)}
	if rabbitClient != nil && cfg.RabbitMQ.Publish.PublishEvents {
		sinks = append(sinks, events.NewBrokerSink(rabbitClient, logger))
	}
	return sinks
}

// initRegistry registers the listing handlers of every configured marketplace
// behind the strategy its mode selects
func initRegistry(cfg *config.Config, channel *agent.Channel) (*handler.Registry, error) {
	registry := handler.NewRegistry()
	for _, mp := range cfg.Marketplaces {
		var strategy handler.Strategy
		switch mp.Mode {
		case config.ModeRemoteAgent:
			strategy = handler.NewRemoteStrategy(channel, handler.SiteRequests{BaseURL: mp.BaseURL}, cfg.Agent.TaskDeadline)
		default:
			client := marketplace.NewRESTClient(marketplace.RESTConfig{
				Marketplace:    domain.Marketplace(mp.Name),
				BaseURL:        mp.BaseURL,
				Token:          mp.Token,
				RequestTimeout: mp.RequestTimeout,
			})
			strategy = handler.NewDirectStrategy(client, ratelimit.New(mp.RateLimit, mp.RateBurst))
		}
		if err := handler.RegisterListingHandlers(registry, domain.Marketplace(mp.Name), strategy); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// initRouter initializes the Gin router serving the remote agent protocol
func initRouter(cfg *config.Config, logger *slog.Logger, channel *agent.Channel, store *postgres.Store) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	opts := router.Options{Service: "worker-service"}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}

	return router.SetupAgentRouter(&router.AgentDependencies{
		Logger:  logger,
		Channel: channel,
		Health:  store,
		Tokens:  cfg.Agent.Tokens,
	}, opts)
}

// writeTimeout keeps a held agent poll from outliving the server write deadline
func writeTimeout(cfg *config.Config) time.Duration {
	timeout := cfg.Server.WriteTimeout
	if timeout > 0 && timeout <= cfg.Agent.PollTimeout {
		timeout = cfg.Agent.PollTimeout + 5*time.Second
	}
	return timeout
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
