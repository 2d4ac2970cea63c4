package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rateli "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"climate-video-server/internal/config"
	"climate-video-server/internal/export"
	"climate-video-server/internal/handler"
	"climate-video-server/internal/logger"
	"climate-video-server/internal/middleware"
	"climate-video-server/internal/service"
	"climate-video-server/internal/session"
)

func main() {
	// --- Configuration ---
	// .env опционален: в контейнере конфигурация приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "climate-video-server",
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)
	zap.L().Info("Logger initialized successfully", zap.String("logLevel", cfg.LogLevel))

	// --- Dependency Injection ---
	aiClient, err := service.NewAIClient(cfg, log.Named("AIClient"))
	if err != nil {
		zap.L().Fatal("Failed to create AI client", zap.Error(err))
	}

	creativeSvc := service.NewCreativeService(aiClient, cfg, log.Named("CreativeService"))
	imageSvc := service.NewImageService(cfg, log.Named("ImageService"))

	synth := service.NewSynthesizer(cfg, log.Named("Synthesizer"))
	defer func() {
		if err := synth.Close(); err != nil {
			zap.L().Warn("Error closing synthesizer", zap.Error(err))
		}
	}()

	sessionManager := session.NewManager(
		creativeSvc,
		imageSvc,
		synth,
		cfg.SessionTTL,
		cfg.SessionCleanupInterval,
		cfg.ScenePause,
		log.Named("SessionManager"),
	)
	defer sessionManager.Close()

	packager := export.NewPackager(log.Named("Packager"))

	creatorHandler := handler.NewCreatorHandler(
		sessionManager,
		creativeSvc,
		synth,
		packager,
		cfg.BrandImageMaxBytes,
		log,
	)

	// --- Rate Limiter Middleware Setup ---
	// Хранилище в памяти: сервер один, внешний Redis не нужен
	rateLimitStore := rateli.InMemoryStore(&rateli.InMemoryOptions{
		Rate:  time.Minute,
		Limit: cfg.GenerateRateLimit,
	})
	rateLimitMiddleware := rateli.RateLimiter(rateLimitStore, &rateli.Options{
		ErrorHandler: func(c *gin.Context, info rateli.Info) {
			zap.L().Warn("Rate limit exceeded",
				zap.String("clientIP", c.ClientIP()),
				zap.Time("resetTime", info.ResetTime),
				zap.String("path", c.Request.URL.Path),
			)
			c.String(http.StatusTooManyRequests, "Too many requests. Try again in "+time.Until(info.ResetTime).String())
		},
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	})

	// --- HTTP Server Setup (Gin) ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(middleware.GinZapLogger(log))
	router.Use(gin.Recovery())

	p := ginprometheus.NewPrometheus("gin")

	// Configure CORS Middleware
	corsConfig := cors.DefaultConfig()
	allowedOrigins := cfg.GetAllowedOrigins()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		zap.L().Info("CORSAllowedOrigins not set, allowing default", zap.String("origin", "http://localhost:3000"))
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Health Check Endpoint
	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": sessionManager.Count(),
		})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	// Register Application Routes
	apiV1 := router.Group("/api/v1")
	creatorHandler.RegisterRoutes(apiV1, rateLimitMiddleware)

	// Prometheus middleware после регистрации роутов
	p.Use(router)

	// --- Start HTTP Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WebSocket и потоковый экспорт не терпят write deadline
		IdleTimeout:  60 * time.Second,
	}

	zap.L().Info("Starting HTTP server", zap.String("port", cfg.ServerPort))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP Server forced to shutdown", zap.Error(err))
	}

	zap.L().Info("Server exiting")
}
