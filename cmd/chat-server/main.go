package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-chat/internal/auth"
	"github.com/weiawesome/wes-chat/internal/cache"
	"github.com/weiawesome/wes-chat/internal/config"
	"github.com/weiawesome/wes-chat/internal/domain"
	chatgrpc "github.com/weiawesome/wes-chat/internal/grpc"
	"github.com/weiawesome/wes-chat/internal/handler"
	"github.com/weiawesome/wes-chat/internal/hub"
	"github.com/weiawesome/wes-chat/internal/idgen"
	"github.com/weiawesome/wes-chat/internal/kafka"
	"github.com/weiawesome/wes-chat/internal/presence"
	"github.com/weiawesome/wes-chat/internal/registry"
	"github.com/weiawesome/wes-chat/internal/repository"
	"github.com/weiawesome/wes-chat/internal/service"
	"github.com/weiawesome/wes-chat/pkg/database"
	"github.com/weiawesome/wes-chat/pkg/jwt"
	pkglog "github.com/weiawesome/wes-chat/pkg/log"
	"github.com/weiawesome/wes-chat/pkg/middleware"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (default ./config/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal().Msg("auth.jwt_secret (JWT_SECRET) is required")
	}

	// Connect to database using GORM
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db, domain.Models()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database migration completed")

	// Initialize repositories
	userRepo := repository.NewGormUserRepository(db)
	roomRepo := repository.NewGormRoomRepository(db)
	memberRepo := repository.NewGormMembershipRepository(db)
	messageRepo := repository.NewGormMessageRepository(db)

	// Optional Redis: room list cache and presence mirror
	var (
		roomCache cache.RoomListCache
		mirror    presence.Mirror
	)
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		roomCache = cache.NewRedisRoomCache(redisClient, cfg.Cache.Prefix, cfg.Cache.RoomListTTL)
		mirror = presence.NewRedisMirror(redisClient, cfg.Presence.MirrorPrefix, cfg.Presence.KeyTTL)
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
	}

	// Optional Kafka producer
	var producer kafka.MessageProducer = kafka.NoopProducer{}
	if cfg.Kafka.Enabled {
		p, err := kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize kafka producer")
		}
		producer = p
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka producer connected")
	}

	// Identity verification
	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessDuration)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}
	verifier := auth.NewJWTVerifier(tokens, userRepo)

	ids, err := idgen.NewSnowflake(cfg.ID.MachineID, cfg.ID.Epoch)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	// Core
	wsHub := hub.NewHub(cfg.WebSocket)
	roomRegistry := registry.NewRoomRegistry(roomRepo, memberRepo, roomCache)
	presenceStore := presence.NewStore(mirror)

	chatSvc := service.NewChatService(
		wsHub,
		verifier,
		userRepo,
		messageRepo,
		roomRegistry,
		presenceStore,
		ids,
		producer,
		service.Config{
			AuthTimeout:         cfg.WebSocket.AuthTimeout,
			RecentMessagesLimit: cfg.Chat.RecentMessagesLimit,
			MaxRecentMessages:   cfg.Chat.MaxRecentMessages,
			HeartbeatInterval:   cfg.Presence.HeartbeatInterval,
		},
	)

	ctx, cancel := context.WithCancel(pkglog.WithLogger(context.Background(), logger))
	defer cancel()

	if err := chatSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat service")
	}
	defer chatSvc.Stop()

	// Start gRPC health server
	if cfg.GRPC.Enabled {
		grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		grpcServer, err := chatgrpc.StartGRPCServer(grpcAddr, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start grpc server")
		}
		defer grpcServer.Stop()
	}

	// Setup Gin router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger, "/health"))

	wsHandler := handler.NewWSHandler(wsHub, chatSvc, cfg.WebSocket)
	wsHandler.RegisterRoutes(r)
	handler.NewHandler(chatSvc, wsHub, middleware.NewAuthMiddleware(verifier)).RegisterRoutes(r)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("ws_path", cfg.WebSocket.Path).Msg("chat-server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chat-server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Close every live connection first and let their disconnect paths
	// persist offline state while the database is still open.
	wsHub.Stop()
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("timed out releasing websocket connections")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("chat-server stopped")
}
