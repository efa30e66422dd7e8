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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/alerts-api/internal/config"
	"github.com/jwalitptl/alerts-api/internal/handler/health"
	panelHandler "github.com/jwalitptl/alerts-api/internal/handler/panel"
	promHandler "github.com/jwalitptl/alerts-api/internal/handler/prometheus"
	"github.com/jwalitptl/alerts-api/internal/middleware"
	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/realtime"
	"github.com/jwalitptl/alerts-api/internal/realtime/pgnotify"
	"github.com/jwalitptl/alerts-api/internal/repository/postgres"
	"github.com/jwalitptl/alerts-api/internal/router"
	"github.com/jwalitptl/alerts-api/internal/service/notification"
	"github.com/jwalitptl/alerts-api/internal/session"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/messaging"
	"github.com/jwalitptl/alerts-api/pkg/messaging/redis"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		Console:    cfg.Log.Console,
	})
	log.Logger = *appLogger.Zerolog()
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.Log.Level))

	// Initialize database
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis message broker
	broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	appMetrics := metrics.New("alerts")
	if err := appMetrics.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	// Initialize repositories
	base := postgres.NewBaseRepository(db)
	outboxRepo := postgres.NewOutboxRepository(base)
	notificationRepo := postgres.NewNotificationRepository(base, outboxRepo)

	// Realtime source
	var source realtime.Source
	switch cfg.Realtime.Source {
	case "redis":
		source = broker
	default:
		pg := pgnotify.New(cfg.Database.DSN(), appLogger, appMetrics)
		defer pg.Close()
		source = pg
	}

	deps := session.Deps{
		Notifications: notificationRepo,
		Reminders:     postgres.NewPaymentReminderRepository(base),
		StockAlerts:   postgres.NewStockAlertRepository(base),
		Products:      postgres.NewProductRepository(base),
		Clients:       postgres.NewClientRepository(base),
		Realtime:      source,
		Logger:        appLogger,
		Metrics:       appMetrics,
	}
	opts := session.Options{
		StaleTime:              cfg.Query.StaleTime,
		CleanupInterval:        cfg.Query.CleanupInterval,
		LowStockRefetch:        cfg.Query.LowStockRefetch,
		SubscriptionRefetch:    cfg.Query.SubscriptionRefetch,
		LowStockLimit:          cfg.Panel.LowStockLimit,
		SubscriptionWindowDays: cfg.Panel.SubscriptionWindowDays,
		Locale:                 cfg.Panel.Locale,
		RealtimeTable:          cfg.Realtime.Table,
		RealtimeChannel:        cfg.Realtime.Channel,
	}
	sessions := session.NewManager(session.ManagerConfig{
		IdleTTL:         cfg.Session.IdleTTL,
		CleanupInterval: cfg.Session.CleanupInterval,
		Logger:          appLogger,
		Metrics:         appMetrics,
	}, func(clientID int64) *session.Session {
		return session.Open(clientID, deps, opts)
	})
	defer sessions.Close()

	// Initialize services
	notificationSvc := notification.NewService(notificationRepo, sessions, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads recorded by any instance refresh the sessions held here.
	if err := messaging.Consume(ctx, broker, model.EventNotificationRead, notificationSvc.HandleRead, appLogger); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to notification read events")
	}

	// Initialize handlers
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret, cfg.JWT.Issuer)
	healthH := health.NewHandler(map[string]health.Checker{
		"database": db,
		"redis":    health.CheckFunc(broker.Ping),
	})
	panelH := panelHandler.NewHandler(sessions, notificationSvc, panelHandler.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, appLogger)

	// Setup router
	r := router.NewRouter(
		authMiddleware,
		healthH,
		panelH,
		promHandler.New(registry, "alerts"),
		router.RouterConfig{
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
			CORSConfig:       middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
			Release:          !cfg.Log.Console,
		},
	)
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("realtime_source", cfg.Realtime.Source).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")
	cancel()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
