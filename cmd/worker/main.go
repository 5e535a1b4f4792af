package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/channel"
	"github.com/lalithlochan/cadence/internal/circuitbreaker"
	"github.com/lalithlochan/cadence/internal/config"
	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/observ"
	"github.com/lalithlochan/cadence/internal/sns"
	"github.com/lalithlochan/cadence/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single queue pass and exit (for cron)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address for /metrics when running continuously; empty disables")
	flag.Parse()

	if err := run(*once, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool, metricsAddr string) error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("worker", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	defaults, err := cfg.ScheduleDefaults()
	if err != nil {
		return fmt.Errorf("failed to load schedule defaults: %w", err)
	}

	database, err := db.New(ctx, db.Config{
		Host:            cfg.DB.Host,
		Port:            cfg.DB.Port,
		User:            cfg.DB.User,
		Password:        cfg.DB.Password,
		Database:        cfg.DB.Name,
		SSLMode:         cfg.DB.SSLMode,
		ApplicationName: "cadence-worker",
		MaxConns:        5,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	var client channel.Client
	if cfg.Channel.BaseURL == "" {
		logger.Warn("CHANNEL_BASE_URL not set, using log-only channel client")
		client = channel.NewLogClient(logger)
	} else {
		client = channel.NewHTTPClient(channel.HTTPConfig{
			BaseURL:           cfg.Channel.BaseURL,
			APIKey:            cfg.Channel.APIKey,
			Timeout:           cfg.Channel.Timeout,
			RequestsPerSecond: cfg.Channel.RequestsPerSecond,
			Burst:             cfg.Channel.Burst,
		}, logger)
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            "channel",
		MaxFailures:     cfg.Channel.BreakerFailures,
		RecoveryTimeout: cfg.Channel.BreakerRecovery,
		IsFailure:       circuitbreaker.ProviderFailure,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		},
	}, logger)
	client = circuitbreaker.NewProtectedClient(client, breaker, logger)

	var events worker.EventPublisher
	if cfg.AWS.EventsTopicARN != "" {
		var publisher *sns.Publisher
		if cfg.AWS.Endpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.AWS.EventsTopicARN, cfg.AWS.Endpoint, cfg.AWS.Region)
		} else {
			publisher, err = sns.NewPublisher(ctx, cfg.AWS.EventsTopicARN, awsconfig.WithRegion(cfg.AWS.Region))
		}
		if err != nil {
			logger.Warn("sns publisher unavailable, failure events disabled", zap.Error(err))
		} else {
			events = publisher
		}
	}

	processor := worker.New(repo, client, defaults, events, worker.Config{
		PollInterval:          cfg.Worker.PollInterval,
		BatchSize:             cfg.Worker.BatchSize,
		MaxAttempts:           cfg.Worker.MaxAttempts,
		SendingTimeout:        cfg.Worker.SendingTimeout,
		PreconditionRecheck:   cfg.Worker.PreconditionRecheck,
		MaxPreconditionChecks: cfg.Worker.MaxPreconditionChecks,
	}, logger)

	if once {
		stats, err := processor.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("queue pass failed: %w", err)
		}
		logger.Info("single pass complete", zap.Stringer("stats", stats))
		return nil
	}

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Info("queue processor started",
		zap.Duration("poll_interval", cfg.Worker.PollInterval),
		zap.Int("batch_size", cfg.Worker.BatchSize),
	)
	processor.Start(ctx)
	return nil
}
