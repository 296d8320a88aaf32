package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshconf/sfu-signaling/config"
	"github.com/meshconf/sfu-signaling/internal/coordinator"
	"github.com/meshconf/sfu-signaling/internal/handlers"
	"github.com/meshconf/sfu-signaling/internal/middleware"
	"github.com/meshconf/sfu-signaling/internal/sfu"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := buildCoordinator(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect coordinator: %v", err)
	}
	defer coord.Close()

	server := sfu.NewServer(coord, sfu.DefaultLimits())
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Failed to start SFU server: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "timestamp": time.Now().UnixMilli()})
	})

	rooms := handlers.NewRoomsHandler(server, coord)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), rooms.CreateRoom)
		apiGroup.GET("/rooms", rooms.ListRooms)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), rooms.DeleteRoom)
		apiGroup.GET("/rooms/:roomId/chat", rooms.GetChatHistory)
		apiGroup.GET("/stats", rooms.GetStats)
	}

	signaling := handlers.NewSignalingHandler(server)
	router.GET("/ws/signaling", signaling.Handle)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting SFU signaling server on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	server.Shutdown()
	log.Println("Server closed")
}

func buildCoordinator(ctx context.Context, cfg *config.Config) (coordinator.Coordinator, error) {
	if cfg.CoordinatorBackend == "memory" {
		log.Println("Using in-memory coordinator (no cross-process propagation)")
		return coordinator.NewMemory(), nil
	}
	coord, err := coordinator.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Println("Redis coordinator connection established")
	return coord, nil
}
