package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"shareroom/internal/auth"
	"shareroom/internal/config"
	"shareroom/internal/database"
	"shareroom/internal/handlers"
	"shareroom/internal/persistence"
	"shareroom/internal/services"
	"shareroom/internal/store"
	"shareroom/internal/websocket"
	"shareroom/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger.Set(logger.New(cfg.Log.Level, cfg.Log.Format))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable tier
	db, err := database.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Fast tier
	redisClient, err := store.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	fast := store.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)

	pipeline := persistence.NewPipeline(fast, db, cfg.Relay.BackupDelay)

	// Room actors
	hubManager := websocket.NewManager(pipeline, cfg.Relay)
	if err := hubManager.Start(); err != nil {
		logger.Fatal("Failed to start room manager: %v", err)
	}
	if err := hubManager.WatchDeletions(ctx, fast); err != nil {
		logger.Fatal("Failed to watch room deletions: %v", err)
	}

	// Initialize services
	authService := auth.NewService(db, cfg)
	roomService := services.NewRoomService(db, pipeline, hubManager, authService, fast)

	// Initialize handlers
	roomHandlers := handlers.NewRoomHandlers(roomService)
	authHandlers := handlers.NewAuthHandlers(roomService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, roomService, hubManager, cfg.Server.AllowedOrigins, cfg.Relay.MaxMessageBytes)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handlers.NewRouter(cfg.Server.AllowedOrigins, roomHandlers, authHandlers, wsHandlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws?roomId={id}", cfg.Server.Port)
	if len(cfg.Server.AllowedOrigins) == 0 {
		logger.Warn("ALLOWED_ORIGINS is empty; every browser origin will be refused")
	}
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown: %v", err)
	}
	// Rooms flush their pending backups before the database closes.
	hubManager.Shutdown(shutdownCtx)
	logger.Info("Server stopped")
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST   /room")
	logger.Info("   GET    /room/{id}")
	logger.Info("   POST   /room/{id}")
	logger.Info("   PUT    /room/{id}")
	logger.Info("   DELETE /room/{id}")
	logger.Info("   GET    /ws?roomId={id}")
	logger.Info("   GET    /healthz")
	logger.Info("   GET    /metrics")
}
