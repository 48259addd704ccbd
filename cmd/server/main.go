package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/logging"
	"chatsync/internal/messaging"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/user"
)

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "optional YAML config file")
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("❌ Failed to connect to DB", zap.Error(err))
	}
	defer database.Close()
	logger.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		logger.Fatal("❌ Migration failed", zap.Error(err))
	}
	logger.Info("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Fatal("❌ Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("✅ Connected to Redis")

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Messaging Feature
	messageRepo := messaging.NewRepository(database.Conn)
	hub := messaging.NewHub(redisClient, logger.Named("hub"))

	// Start the Hub Engines
	go hub.Run(ctx)
	go hub.SubscribeToRedis(ctx)

	messageHandler := messaging.NewHandler(hub, hub, messageRepo, userService, logger.Named("messages"))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (push only; sends go over REST)
		r.Get("/ws", messageHandler.ServeWs)

		r.Route("/messages", messageHandler.Routes)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("🚀 Server starting", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("👋 Server stopped")
}
