// Package main is the entry point for the API server.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/config"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/handler"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	natsclient "github.com/MOPROGRAM/sahaplatform-sub001/internal/nats"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/notify"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/presence"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		log.Sync() //nolint:errcheck
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "saha-realtime", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	db, err := store.Open(store.Options{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		AutoMigrate:     cfg.DBAutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDB(db, log)

	checks := map[string]handler.Check{
		"database": func(ctx context.Context) error { return store.Ping(ctx, db) },
	}

	// Event bus
	var (
		feed  eventbus.Feed
		relay eventbus.Relay
	)
	switch cfg.EventBus {
	case "nats":
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "saha-realtime",
		}, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		natsFeed := natsclient.NewFeed(nc, log)
		if err := natsFeed.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		feed, relay = natsFeed, natsclient.NewRelay(nc, log)
		checks["nats"] = nc.Ping
	default:
		log.Warn("using in-process event bus; realtime delivery is limited to this instance")
		local := eventbus.NewLocal()
		feed, relay = local, local
	}

	// Presence registry
	var registry presence.Registry
	switch cfg.PresenceBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		redisRegistry := presence.NewRedis(rdb, cfg.RedisKeyPrefix, cfg.PresenceTTL)
		registry = redisRegistry
		checks["redis"] = redisRegistry.Ping
	default:
		registry = presence.NewMemory(cfg.PresenceTTL)
	}

	// Notifications
	var notifier notify.Notifier = notify.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		writer := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.NotificationsTopic)
		kafkaNotifier := notify.NewKafka(writer, notify.KafkaOptions{}, log)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	// Initialize services
	auth := middleware.Authenticator{}
	retry := service.RetryPolicy{
		MaxRetries:      cfg.StoreMaxRetries,
		InitialInterval: service.DefaultRetryPolicy.InitialInterval,
		MaxInterval:     service.DefaultRetryPolicy.MaxInterval,
	}

	conversations := store.NewConversationRepository(db)
	participants := store.NewParticipantStore(db)
	messages := store.NewMessageRepository(db)
	calls := store.NewCallRepository(db)

	conversationSvc := service.NewConversationService(conversations, participants, messages,
		store.NewListingRepository(db), auth,
		service.ConversationOptions{Atomic: cfg.ResolverAtomic, Retry: retry}, log)
	messageSvc := service.NewMessageService(conversations, participants, messages, conversationSvc,
		feed, notifier, auth,
		service.MessageOptions{EditWindow: cfg.MessageEditWindow, Retry: retry}, log)
	callSvc := service.NewCallService(calls, participants, registry, relay, notifier, auth,
		service.CallOptions{RingTimeout: cfg.CallRingTimeout, Retry: retry}, log)
	reconciler := service.NewReconciler(conversations, messages, cfg.ReconcileInterval, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Health:            handler.NewHealthHandler(checks, log),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		Stream:            handler.NewStreamHandler(messageSvc, 30*time.Second, log),
		Calls:             handler.NewCallHandler(callSvc, log),
		WS: handler.NewWSHandler(callSvc, relay, registry, handler.WSOptions{
			AllowedOrigins: cfg.WSAllowedOrigins,
			SignalRate:     cfg.SignalRatePerSec,
			SignalBurst:    cfg.SignalBurst,
		}, log),
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})

	g.Go(func() error {
		callSvc.RunExpiry(gctx, cfg.CallExpiryInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func closeDB(db *gorm.DB, log *logger.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
