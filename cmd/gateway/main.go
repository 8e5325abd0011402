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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/api"
	"github.com/glowdesk/courier/internal/channel"
	"github.com/glowdesk/courier/internal/circuitbreaker"
	"github.com/glowdesk/courier/internal/config"
	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/metrics"
	"github.com/glowdesk/courier/internal/observ"
	"github.com/glowdesk/courier/internal/ratelimit"
	"github.com/glowdesk/courier/internal/redis"
	"github.com/glowdesk/courier/internal/reminder"
	"github.com/glowdesk/courier/internal/worker"
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

	if cfg.GatewayBaseURL == "" {
		return errors.New("GATEWAY_BASE_URL is required")
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Database
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the HTTP rate limiter and the reminder reservations;
	// without it the service still runs on the database checks alone.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, http rate limiting and sweep reservations disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var httpLimiter *redis.RateLimiter
	var reservations reminder.Reservations
	if redisClient != nil {
		httpLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		reservations = redis.NewReservationService(redisClient, logger)
		defer redisClient.Close()
	}

	// WhatsApp gateway transport behind a circuit breaker
	transport := channel.NewGateway(channel.GatewayConfig{
		BaseURL: cfg.GatewayBaseURL,
		Token:   cfg.GatewayToken,
		Timeout: cfg.GatewayTimeout,
	}, logger)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("gateway"), logger)
	protected := circuitbreaker.NewProtectedTransport(transport, breaker, logger)

	pool := channel.NewPool(repo, protected, channel.PoolConfig{
		PairingTimeout: cfg.PairingTimeout,
	}, logger)
	defer pool.Shutdown()

	// Outbound message limiter (per tenant, fixed window)
	limiter := ratelimit.New(cfg.MessagesPerWindow, cfg.RateLimitWindow)

	// Optional SMS fallback
	var sms worker.SMSSender
	if cfg.SMSFallbackEnabled {
		snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, sms fallback disabled", zap.Error(err))
		} else {
			sms = snsSender
		}
	}

	// Delivery worker
	w := worker.New(repo, pool, sms, limiter, worker.Config{
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		PacingBase:    cfg.PacingBase,
		PacingPerChar: cfg.PacingPerChar,
		PacingMax:     cfg.PacingMax,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)
	logger.Info("delivery worker started", zap.Duration("poll_interval", cfg.PollInterval))

	// Reminder scheduler
	sched := reminder.New(repo, reservations, w, pool, reminder.Config{
		Interval: cfg.ReminderInterval,
		Offsets:  cfg.ReminderOffsets,
		IdleMax:  cfg.SessionIdleMax,
	}, logger)

	go sched.Start(workerCtx)
	logger.Info("reminder scheduler started", zap.Duration("interval", cfg.ReminderInterval))

	// Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Request logging
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

	handler := api.NewHandler(logger, repo, pool, w)

	r.Group(func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(httpLimiter, logger, api.TenantKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
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
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

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
