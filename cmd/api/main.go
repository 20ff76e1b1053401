package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/config"
	"github.com/noah-isme/gema-crm/internal/database"
	"github.com/noah-isme/gema-crm/internal/handler"
	"github.com/noah-isme/gema-crm/internal/middleware"
	"github.com/noah-isme/gema-crm/internal/realtime"
	"github.com/noah-isme/gema-crm/internal/repository"
	"github.com/noah-isme/gema-crm/internal/router"
	"github.com/noah-isme/gema-crm/internal/service"
	cloud "github.com/noah-isme/gema-crm/pkg/cloudinary"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL, "gema-crm-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	natsConn := connectNATS(cfg, logger)
	if natsConn != nil {
		defer natsConn.Close()
	}

	// Media sends are rejected when no blob store is configured.
	var blobs service.BlobStore
	if uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger); err != nil {
		logger.Warn().Err(err).Msg("cloudinary disabled; media messages unavailable")
	} else {
		blobs = uploader
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := realtime.NewBroker(redisClient, natsConn, cfg.ChatChannelBase, logger)
	broker.Start(ctx)
	defer broker.Close()

	validate := validator.New(validator.WithRequiredStructEnabled())

	chatRepo := repository.NewChatRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	rosterRepo := repository.NewRosterRepository(db)
	dealActivityRepo := repository.NewDealActivityRepository(db)

	lastMessages := service.NewLastMessageCache(redisClient, cfg.ChatChannelBase, cfg.LastMessageCacheTTL, logger)
	rosterSource := service.NewRosterSource(rosterRepo, redisClient, cfg.ChatChannelBase, cfg.RosterCacheTTL, logger)
	presence := service.NewPresenceBus(realtime.NewRedisPresence(redisClient, cfg.ChatChannelBase, cfg.PresenceTTL, logger), cfg.TypingDebounce, logger)
	gateway := service.NewMessageGateway(chatRepo, groupRepo, broker, blobs, lastMessages, logger)
	directory := service.NewConversationDirectory(chatRepo, groupRepo, rosterRepo, lastMessages, logger)
	dealActivityService := service.NewDealActivityService(dealActivityRepo, validate, logger)
	groupService := service.NewGroupService(groupRepo, validate, logger)

	chatHandler := handler.NewChatHandler(service.SessionDeps{
		Directory: directory,
		Gateway:   gateway,
		Presence:  presence,
		Mentions:  service.NewMentionResolver(rosterSource),
		Broker:    broker,
		Blobs:     blobs,
		Previews:  service.NewMediaPreviews(),
		Validator: validate,
		Config: service.SessionConfig{
			HistoryLimit:  cfg.ChatHistoryLimit,
			MaxMediaBytes: cfg.ChatMediaMaxBytes,
			CommandRate:   cfg.ChatCommandRate,
			CommandBurst:  cfg.ChatCommandBurst,
		},
	}, groupService, logger)
	dealActivityHandler := handler.NewDealActivityHandler(dealActivityService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.ChatMediaMaxBytes) + 1<<20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:         chatHandler,
		DealActivityHandler: dealActivityHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, logger)
}

func connectNATS(cfg config.Config, logger zerolog.Logger) *nats.Conn {
	if cfg.NATSURL == "" {
		return nil
	}
	conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable; change feed falls back to redis")
		return nil
	}
	return conn
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
