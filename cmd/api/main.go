package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/setu-sync/internal/config"
	"github.com/noah-isme/setu-sync/internal/database"
	"github.com/noah-isme/setu-sync/internal/feed"
	"github.com/noah-isme/setu-sync/internal/handler"
	"github.com/noah-isme/setu-sync/internal/middleware"
	"github.com/noah-isme/setu-sync/internal/repository"
	"github.com/noah-isme/setu-sync/internal/router"
	"github.com/noah-isme/setu-sync/internal/service"
	"github.com/noah-isme/setu-sync/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	probes := map[string]handler.Probe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hubOptions []feed.Option
	if relay := feed.NewRedisRelay(redisClient, cfg.ChannelBase, feed.FeedStream); relay != nil {
		hubOptions = append(hubOptions, feed.WithRelay(relay))
	}
	if relay := feed.NewNATSRelay(natsConn, cfg.ChannelBase, feed.FeedStream); relay != nil {
		hubOptions = append(hubOptions, feed.WithRelay(relay))
	}
	hub := feed.NewHub(logger, hubOptions...)
	hub.Start(ctx)
	defer hub.Close()

	// Row changes come either from the data service or from Postgres triggers, never both.
	var publisher feed.Publisher
	switch cfg.FeedSource {
	case config.FeedSourcePostgres:
		if err := database.InstallChangeTriggers(db); err != nil {
			log.Fatalf("failed to install change triggers: %v", err)
		}
		source := feed.NewPGSource(cfg.DatabaseURL, cfg.NotifyChannel, logger)
		go func() {
			if err := source.Run(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("postgres change source stopped")
			}
		}()
	default:
		publisher = hub
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	dataService := service.NewDataService(service.DataRepositories{
		Conversations: repository.NewConversationRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Profiles:      repository.NewProfileRepository(db),
		Receipts:      repository.NewReadReceiptRepository(db),
	}, redisClient, cfg.ChannelBase, cfg.ProfileCacheTTL, publisher, validate, logger)

	var notificationRelays []feed.Relay
	if relay := feed.NewRedisRelay(redisClient, cfg.ChannelBase, service.NotificationStream); relay != nil {
		notificationRelays = append(notificationRelays, relay)
	}
	if relay := feed.NewNATSRelay(natsConn, cfg.ChannelBase, service.NotificationStream); relay != nil {
		notificationRelays = append(notificationRelays, relay)
	}
	notificationService := service.NewNotificationService(repository.NewNotificationRepository(db), validate, logger, notificationRelays...)
	notificationService.Start(ctx)

	sessions := session.NewManager(ctx, session.Dependencies{
		Data:     dataService,
		Feed:     hub,
		Notifier: notificationService,
		Logger:   logger,
	}, session.Config{
		Timings:     cfg.Timings(),
		PageSize:    cfg.PageSize,
		Concurrency: cfg.HandlerConcurrency,
	})

	gatewayHandler, err := handler.NewSessionGatewayHandler(sessions, logger)
	if err != nil {
		log.Fatalf("failed to create session gateway: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler:   handler.NewConversationHandler(dataService, validate, logger),
		MessageHandler:        handler.NewMessageHandler(dataService, validate, logger),
		NotificationHandler:   handler.NewNotificationHandler(notificationService, logger, cfg.SSETimeout),
		SessionGatewayHandler: gatewayHandler,
		Sessions:              sessions,
		HealthProbes:          probes,
		JWTMiddleware:         middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, app, sessions, cfg)
}

func waitForShutdown(ctx context.Context, app *fiber.App, sessions *session.Manager, cfg config.Config) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	sessions.CloseAll(shutdownCtx)

	log.Println("server stopped")
}
