// Package main runs the broadcast session engine HTTP server with WebSocket
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onair-audio/backend/config"
	"github.com/onair-audio/backend/internal/archive"
	"github.com/onair-audio/backend/internal/auth"
	"github.com/onair-audio/backend/internal/broadcasts"
	"github.com/onair-audio/backend/internal/metrics"
	"github.com/onair-audio/backend/internal/middleware"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/internal/realtime"
	"github.com/onair-audio/backend/internal/session"
	"github.com/onair-audio/backend/pkg/database"
	"github.com/onair-audio/backend/pkg/queue"
	"github.com/onair-audio/backend/pkg/redis"
	"github.com/onair-audio/backend/pkg/response"
	"github.com/onair-audio/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	collector := metrics.NewCollector()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	archiveRepo := archive.NewRepository(pool)
	archiveExporter := archive.NewExporter(archiveRepo, jobQueue, logger)
	archiveHandler := archive.NewHandler(archiveRepo, s3Client, logger)

	broadcastRepo := broadcasts.NewRepository(pool)
	coordinator := session.NewCoordinator(cfg.Broadcast, broadcastRepo, archiveExporter, hub, logger, collector)
	coordinator.SetSessionLogStore(broadcastRepo)
	broadcastHandler := broadcasts.NewHandler(broadcastRepo, coordinator)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RateLimit(cfg.RateLimit))

	// Health and metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/broadcasts/:id/session", middleware.RequireRole(models.RoleHost, models.RoleAdmin), broadcastHandler.OpenSession)
		api.GET("/broadcasts/:id/session", broadcastHandler.GetSession)
		api.POST("/broadcasts/:id/session/end", middleware.RequireRole(models.RoleAdmin), broadcastHandler.EndSession)
		api.GET("/broadcasts/:id/listeners", broadcastHandler.ListListeners)
		api.GET("/broadcasts/:id/sources", broadcastHandler.ListSources)
		api.GET("/broadcasts/:id/chat", broadcastHandler.ChatHistory)
		api.GET("/broadcasts/:id/moderation", middleware.RequireCapability(models.CapModerate), broadcastHandler.ModerationTrail)
		api.GET("/broadcasts/:id/attendance", middleware.RequireCapability(models.CapModerate), broadcastHandler.Attendance)
		api.GET("/broadcasts/:id/archives", archiveHandler.ListByBroadcast)
		api.GET("/archives/:id/download-url", archiveHandler.GenerateDownloadURL)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, coordinator, logger, jwtService.Validate, cfg.Broadcast.SendQueueFrames))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// End open sessions first so archive records are emitted before the
	// HTTP listener goes away.
	coordinator.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
