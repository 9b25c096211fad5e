package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chatbuddy/inbox-bridge/config"
	"github.com/chatbuddy/inbox-bridge/internal/adapters/backend"
	"github.com/chatbuddy/inbox-bridge/internal/db"
	"github.com/chatbuddy/inbox-bridge/internal/delivery"
	"github.com/chatbuddy/inbox-bridge/internal/events"
	"github.com/chatbuddy/inbox-bridge/internal/handlers"
	"github.com/chatbuddy/inbox-bridge/internal/inbox"
	"github.com/chatbuddy/inbox-bridge/internal/media"
	"github.com/chatbuddy/inbox-bridge/internal/models"
	"github.com/chatbuddy/inbox-bridge/internal/transport"
	"github.com/chatbuddy/inbox-bridge/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	gdb, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.Migrate(gdb, &models.OutboundEvent{}, &models.ConversationRecord{}); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	tr, err := transport.NewWebsocketTransport(cfg.TransportURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize transport")
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	identity := transport.Identity{
		ChatbotID:  cfg.ChatbotID,
		UserID:     cfg.OperatorUserID,
		DeviceType: cfg.DeviceType,
		DeviceID:   uuid.NewString(),
	}
	if err := tr.Connect(connectCtx, identity); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to connect transport")
	}
	cancel()
	defer tr.Close()

	backendClient, err := backend.NewClient(cfg.BackendBaseURL, cfg.BackendAPIKey, cfg.ChatbotID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backend client")
	}

	dm, err := delivery.NewManager(tr, gdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize delivery manager")
	}
	if err := dm.Recover(); err != nil {
		log.Error().Err(err).Msg("Failed to recover pending outbound events")
	}
	dm.Start()
	defer dm.Stop()

	publisher := events.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	archiver := media.NewArchiver(media.Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
	})

	controller, err := inbox.NewController(tr, backendClient, dm, cfg.ChatbotID, cfg.OperatorUserID, publisher, archiver)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync controller")
	}

	registry, err := inbox.NewRegistry(backendClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize conversation registry")
	}

	refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := registry.Refresh(refreshCtx); err != nil {
		log.Warn().Err(err).Msg("Initial conversation refresh failed, continuing with empty list")
	}
	cancelRefresh()

	server := handlers.NewServer(controller, registry, dm, publisher, gdb, cfg.ChatbotID)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
