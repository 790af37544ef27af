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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/admission"
	"github.com/lostfound-mu/relay/internal/api"
	"github.com/lostfound-mu/relay/internal/broadcast"
	"github.com/lostfound-mu/relay/internal/calendar"
	"github.com/lostfound-mu/relay/internal/circuitbreaker"
	"github.com/lostfound-mu/relay/internal/config"
	"github.com/lostfound-mu/relay/internal/db"
	"github.com/lostfound-mu/relay/internal/dispatch"
	"github.com/lostfound-mu/relay/internal/gateway"
	"github.com/lostfound-mu/relay/internal/metrics"
	"github.com/lostfound-mu/relay/internal/observ"
	"github.com/lostfound-mu/relay/internal/queue"
	"github.com/lostfound-mu/relay/internal/redis"
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

	logger.Info("starting relay",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("timezone", cfg.CalendarTimezone),
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

	store := queue.NewStore(database, logger)

	// Calendar: windows are evaluated in a single configured timezone.
	loc, err := time.LoadLocation(cfg.CalendarTimezone)
	if err != nil {
		return fmt.Errorf("invalid CALENDAR_TIMEZONE %q: %w", cfg.CalendarTimezone, err)
	}
	oracle := calendar.New(calendar.NewPGSource(database, logger), loc, logger)

	admitter := admission.New(oracle, store, admission.Config{
		ThrottleWindow: time.Duration(cfg.ThrottleWindowMin) * time.Minute,
		ThrottleCap:    cfg.ThrottleCap,
	}, logger)

	// Gateway: Twilio when credentials are present, otherwise log-only so
	// local development drains the queue without sending anything.
	var gw gateway.Gateway
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		twilio := gateway.NewTwilioGateway(gateway.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioWhatsAppNumber,
			Timeout:    time.Duration(cfg.GatewayTimeout) * time.Second,
		}, logger)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("twilio"), logger)
		gw = gateway.NewProtectedGateway(twilio, breaker, logger)
		logger.Info("twilio gateway configured",
			zap.String("from", cfg.TwilioWhatsAppNumber),
		)
	} else {
		gw = gateway.NewLogGateway(logger)
		logger.Warn("twilio credentials missing, using log-only gateway")
	}

	dispatcher := dispatch.New(dispatch.StoreClaimer{Store: store}, admitter, gw, dispatch.Config{
		TickInterval: time.Duration(cfg.TickSeconds) * time.Second,
		BatchSize:    cfg.BatchSize,
	}, logger)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()

	go dispatcher.Run(dispatchCtx)
	logger.Info("dispatcher started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("tick_seconds", cfg.TickSeconds),
	)

	enqueuer := dispatch.NewEnqueuer(store, admitter, dispatcher.Kick, cfg.MaxAttempts, logger)

	// Broadcast sweep on a cron schedule, plus the forced /broadcast/run route.
	broadcaster := broadcast.New(broadcast.NewPGSource(database, logger), enqueuer, logger)

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.BroadcastSchedule, func() {
		result, err := broadcaster.Sweep(dispatchCtx)
		if err != nil {
			logger.Error("scheduled broadcast sweep failed", zap.Error(err))
			return
		}
		if result.Events > 0 {
			logger.Info("scheduled broadcast sweep completed",
				zap.Int("events", result.Events),
				zap.Int("enqueued", result.Enqueued),
				zap.Int("failed", result.Failed),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid BROADCAST_SCHEDULE %q: %w", cfg.BroadcastSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Redis backs ops API rate limiting only; the service runs without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, ops rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  60,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Setup router
	r := chi.NewRouter()

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

	handler := api.NewHandler(logger, dispatcher, store, enqueuer, broadcaster)

	r.Route("/queue", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/process", handler.ProcessQueue)
		r.Get("/stats", handler.QueueStats)
		r.Post("/cancel", handler.CancelPending)
	})

	r.Route("/broadcast", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/run", handler.RunBroadcast)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
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

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new batches; in-flight sends finish and commit.
		dispatchCancel()

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
