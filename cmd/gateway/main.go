package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/api"
	"github.com/hbellare/reclaim/internal/circuitbreaker"
	"github.com/hbellare/reclaim/internal/config"
	"github.com/hbellare/reclaim/internal/db"
	"github.com/hbellare/reclaim/internal/dispatch"
	"github.com/hbellare/reclaim/internal/engine"
	"github.com/hbellare/reclaim/internal/events"
	"github.com/hbellare/reclaim/internal/metrics"
	"github.com/hbellare/reclaim/internal/observ"
	"github.com/hbellare/reclaim/internal/platform"
	"github.com/hbellare/reclaim/internal/redis"
	"github.com/hbellare/reclaim/internal/scheduler"
	"github.com/hbellare/reclaim/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting reclaim gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", "v1.0.0"),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Redis backs the rate limiters and the webhook dedupe fast path. The
	// database unique constraint stays authoritative for idempotency, so a
	// missing Redis only costs us the short-circuit.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and dedupe cache disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var webhookLimiter, actionLimiter *redis.RateLimiter
	var dedupe webhook.DedupeCache
	if redisClient != nil {
		webhookLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.WebhookRateLimit,
			Window: 1 * time.Minute,
		})
		actionLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.ActionRateLimit,
			Window: 1 * time.Minute,
		})
		dedupe = redis.NewDedupeCache(redisClient, logger)
		defer redisClient.Close()
	}

	// Membership platform client (manage URLs, dms, incentives, terminations)
	platformClient := platform.New(platform.Config{
		BaseURL: cfg.PlatformAPIBaseURL,
		APIKey:  cfg.PlatformAPIKey,
		Timeout: time.Duration(cfg.PlatformTimeout) * time.Second,
	}, logger)

	// Reminder channels, each behind its own circuit breaker so a dead
	// provider stops eating cycle time after a few failures.
	var pushSender dispatch.ChannelSender
	if cfg.PushTopicARN != "" {
		push, err := dispatch.NewPushSender(ctx, dispatch.PushConfig{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.PushTopicARN,
		}, logger)
		if err != nil {
			logger.Warn("push sender unavailable, push reminders disabled",
				zap.Error(err),
			)
		} else {
			pushSender = circuitbreaker.NewProtectedSender(push,
				circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger), logger)
		}
	}

	dmSender := circuitbreaker.NewProtectedSender(
		dispatch.NewDMSender(platformClient, logger),
		circuitbreaker.New(circuitbreaker.DefaultConfig("dm"), logger), logger)

	// Lifecycle sinks: SQS fan-out for downstream consumers, SES confirmation
	// mail on recovery. Both are optional.
	var sinks []engine.LifecycleSink
	if cfg.EventsQueueURL != "" {
		publisher, err := events.NewPublisher(ctx, events.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.EventsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, lifecycle events will not be enqueued",
				zap.Error(err),
			)
		} else {
			sinks = append(sinks, publisher)
		}
	}

	if cfg.SESFromEmail != "" {
		mailer, err := dispatch.NewRecoveryMailer(ctx, dispatch.MailerConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, platformClient, logger)
		if err != nil {
			logger.Warn("ses mailer unavailable, recovery confirmation emails disabled",
				zap.Error(err),
			)
		} else {
			sinks = append(sinks, mailer)
		}
	}

	machine := engine.NewMachine(repo, engine.MultiSink(sinks...), logger)
	ingestor := webhook.NewIngestor(cfg.WebhookSecret, repo, machine, dedupe, logger)

	dispatcher := dispatch.NewDispatcher(repo, platformClient, pushSender, dmSender, platformClient, logger)

	cycles := scheduler.New(repo, dispatcher, scheduler.Config{
		BatchSize:          cfg.BatchSize,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
	}, logger)

	logger.Info("initialized reminder pipeline",
		zap.Bool("push_enabled", pushSender != nil),
		zap.Bool("dm_enabled", true),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("max_concurrent_sends", cfg.MaxConcurrentSends),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, ingestor, cycles, repo, dispatcher, platformClient)

	failClosed := cfg.IsProduction()

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(webhookLimiter, logger, api.CompanyKeyFunc, "webhook", failClosed))
			r.Post("/webhooks/billing", handler.HandleWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(actionLimiter, logger, api.CompanyKeyFunc, "action", failClosed))
			r.Post("/cycle", handler.RunCycle)
			r.Get("/cases", handler.ListCases)
			r.Post("/cases/{id}/nudge", handler.NudgeCase)
			r.Post("/cases/{id}/cancel", handler.CancelCase)
			r.Post("/cases/{id}/terminate", handler.TerminateMembership)
		})
	})

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := database.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
