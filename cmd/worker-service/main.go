package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/archive-jobs/internal/config"
	"github.com/cuongbtq/archive-jobs/internal/hashing"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
	"github.com/cuongbtq/archive-jobs/internal/taskpool"
	"github.com/cuongbtq/archive-jobs/internal/worker"
	"github.com/cuongbtq/archive-jobs/migrations"
	"github.com/cuongbtq/archive-jobs/shared/logger"
	"github.com/cuongbtq/archive-jobs/shared/postgresql"
	"github.com/cuongbtq/archive-jobs/shared/rabbitmq"
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
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if _, err := migrations.Up(dbClient.GetDB().DB); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(dbClient.GetDB().DB, cfg.Database.Database),
	)

	queue := jobqueue.New(dbClient.GetDB(), appLogger.Logger, jobqueue.Config{
		WorkerID:           cfg.Queue.WorkerID,
		StaleLockTimeout:   cfg.Queue.StaleLockTimeout,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		Metrics:            jobqueue.NewMetrics(registry),
	})

	// Dead letter notifications are optional
	var notifier worker.DeadLetterNotifier
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		notifier = worker.NewRabbitNotifier(rabbitClient, appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	}

	// Start the hashing pool before any job can reach it
	pool := hashing.NewPool(taskpool.Config{
		Concurrency:    cfg.Pool.Concurrency,
		TaskTimeout:    cfg.Pool.TaskTimeout,
		InitTimeout:    cfg.Pool.InitTimeout,
		DisableRestart: cfg.Pool.DisableRestart,
		Logger:         appLogger.Logger,
	})
	if err := pool.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start hashing pool: %w", err)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:             appLogger.Logger,
		Queue:              queue,
		Notifier:           notifier,
		Metrics:            worker.NewMetrics(registry),
		WorkerID:           queue.WorkerID(),
		Concurrency:        cfg.Worker.Concurrency,
		JobTimeout:         cfg.Worker.JobTimeout,
		PollInterval:       cfg.Worker.PollInterval,
		MaxPollRate:        cfg.Worker.MaxPollRate,
		StaleCheckInterval: cfg.Worker.StaleCheckInterval,
		CleanupInterval:    cfg.Worker.CleanupInterval,
		CompletedRetention: cfg.Worker.CompletedRetention,
	})

	for _, name := range cfg.Worker.Queues {
		if name != hashing.QueueName {
			return fmt.Errorf("no handler for queue %q", name)
		}
		if err := workerInstance.Register(name, hashing.NewHandler(pool)); err != nil {
			return fmt.Errorf("failed to register handler: %w", err)
		}
	}

	// Metrics endpoint, only when a port is configured
	var metricsSrv *http.Server
	if cfg.Server.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.Any("queues", workerInstance.Queues()),
		slog.Int("hashing_workers", pool.Stats().Workers),
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
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop polling and wait for in-flight jobs to report back
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

	if err := pool.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Hashing pool did not drain", slog.Any("error", err))
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server forced to shutdown", slog.Any("error", err))
		}
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

// initRabbitMQ initializes the dead letter notification publisher
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
