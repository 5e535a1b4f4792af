package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/api"
	"github.com/lalithlochan/cadence/internal/channel"
	"github.com/lalithlochan/cadence/internal/circuitbreaker"
	"github.com/lalithlochan/cadence/internal/config"
	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/eligibility"
	"github.com/lalithlochan/cadence/internal/launch"
	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/notify"
	"github.com/lalithlochan/cadence/internal/observ"
	"github.com/lalithlochan/cadence/internal/redis"
	"github.com/lalithlochan/cadence/internal/reply"
	"github.com/lalithlochan/cadence/internal/schedule"
	"github.com/lalithlochan/cadence/internal/sequence"
	"github.com/lalithlochan/cadence/internal/sns"
	"github.com/lalithlochan/cadence/internal/sqs"
	"github.com/lalithlochan/cadence/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting cadence gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.HTTP.Port),
		zap.Bool("worker_enabled", cfg.Worker.Enabled),
	)

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
		ApplicationName: "cadence-gateway",
		MaxConns:        cfg.DB.MaxConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// launch and reply locks live in redis, so unlike rate limiting it is
	// not optional
	redisClient, err := redis.New(ctx, redis.Config{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		Namespace: cfg.Redis.Namespace,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	locker := redis.NewLocker(redisClient, logger)
	idempotency := redis.NewIdempotencyService(redisClient, logger)
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.HTTP.RateLimit,
		Window: cfg.HTTP.RateLimitWindow,
	})

	client, breaker := newChannelClient(cfg.Channel, logger)
	breakers := circuitbreaker.NewRegistry(breaker)

	var publisher *sns.Publisher
	if cfg.AWS.EventsTopicARN != "" {
		publisher, err = newPublisher(ctx, cfg.AWS)
		if err != nil {
			logger.Warn("sns publisher unavailable, domain events disabled", zap.Error(err))
			publisher = nil
		}
	}

	validator := eligibility.NewValidator(client, repo, eligibility.Config{
		SampleSize:  cfg.Launch.SampleSize,
		Concurrency: cfg.Channel.LookupConcurrency,
	}, logger)
	builder := sequence.NewBuilder(schedule.NewOffsetGenerator(nil))

	var launchEvents launch.EventPublisher
	if publisher != nil {
		launchEvents = publisher
	}
	launcher := launch.NewService(repo, validator, builder, defaults, locker, launchEvents, launch.Config{
		Budget:          cfg.Launch.Budget,
		LockTTL:         cfg.Launch.LockTTL,
		InsertBatchSize: cfg.Launch.InsertBatchSize,
	}, logger)

	interceptor := reply.NewInterceptor(repo, locker, cfg.Webhook.LockTTL, logger)
	if publisher != nil {
		interceptor.WithEvents(publisher)
	}
	if cfg.AWS.SESFromEmail != "" {
		notifier, err := notify.NewSESNotifier(ctx, notify.SESConfig{
			Region:    cfg.AWS.Region,
			FromEmail: cfg.AWS.SESFromEmail,
			Endpoint:  cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			logger.Warn("ses notifier unavailable, reply emails disabled", zap.Error(err))
		} else {
			interceptor.WithNotifier(notifier)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.AWS.ReplyQueueURL != "" {
		queueAPI, err := sqs.NewAPI(ctx, sqs.Config{
			Region:   cfg.AWS.Region,
			QueueURL: cfg.AWS.ReplyQueueURL,
			Endpoint: cfg.AWS.Endpoint,
		})
		if err != nil {
			logger.Warn("sqs unavailable, failed replies will not be retried", zap.Error(err))
		} else {
			interceptor.WithRetryQueue(sqs.NewProducer(queueAPI, cfg.AWS.ReplyQueueURL, logger))
			retry := reply.NewRetryLoop(interceptor, sqs.NewConsumer(queueAPI, cfg.AWS.ReplyQueueURL, logger), logger)
			go retry.Run(bgCtx)
		}
	}

	if cfg.Worker.Enabled {
		var failureEvents worker.EventPublisher
		if publisher != nil {
			failureEvents = publisher
		}
		processor := worker.New(repo, client, defaults, failureEvents, workerConfig(cfg.Worker), logger)
		go processor.Start(bgCtx)
		logger.Info("queue processor started", zap.Duration("poll_interval", cfg.Worker.PollInterval))
	}

	handler := api.NewHandler(logger, launcher, interceptor, repo).
		WithIdempotency(idempotency, cfg.Launch.IdempotencyTTL).
		WithBreakers(breakers)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.WorkspaceKeyFunc))
			handler.Routes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(api.WebhookSignatureMiddleware(cfg.Webhook.Secret, cfg.Webhook.MaxSkew, logger))
			r.Post("/webhooks/replies", handler.HandleReply)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	// WriteTimeout must outlast the launch budget
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// stop claiming before draining requests
		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// newChannelClient builds the provider client behind a circuit breaker. An
// empty base URL selects the log-only client.
func newChannelClient(cfg config.ChannelConfig, logger *zap.Logger) (*circuitbreaker.ProtectedClient, *circuitbreaker.CircuitBreaker) {
	var inner channel.Client
	if cfg.BaseURL == "" {
		logger.Warn("CHANNEL_BASE_URL not set, using log-only channel client")
		inner = channel.NewLogClient(logger)
	} else {
		inner = channel.NewHTTPClient(channel.HTTPConfig{
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}, logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            "channel",
		MaxFailures:     cfg.BreakerFailures,
		RecoveryTimeout: cfg.BreakerRecovery,
		IsFailure:       circuitbreaker.ProviderFailure,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		},
	}, logger)

	return circuitbreaker.NewProtectedClient(inner, breaker, logger), breaker
}

func newPublisher(ctx context.Context, cfg config.AWSConfig) (*sns.Publisher, error) {
	if cfg.Endpoint != "" {
		return sns.NewPublisherWithEndpoint(ctx, cfg.EventsTopicARN, cfg.Endpoint, cfg.Region)
	}
	return sns.NewPublisher(ctx, cfg.EventsTopicARN, awsconfig.WithRegion(cfg.Region))
}

func workerConfig(cfg config.WorkerConfig) worker.Config {
	return worker.Config{
		PollInterval:          cfg.PollInterval,
		BatchSize:             cfg.BatchSize,
		MaxAttempts:           cfg.MaxAttempts,
		SendingTimeout:        cfg.SendingTimeout,
		PreconditionRecheck:   cfg.PreconditionRecheck,
		MaxPreconditionChecks: cfg.MaxPreconditionChecks,
	}
}
