package main

import (
	"context"
	"log"

	"github.com/roomcall/signaling/config"
	"github.com/roomcall/signaling/internal/chat"
	"github.com/roomcall/signaling/internal/handlers"
	"github.com/roomcall/signaling/internal/middleware"
	"github.com/roomcall/signaling/internal/redis"
	"github.com/roomcall/signaling/internal/registry"
	"github.com/roomcall/signaling/internal/room"
	"github.com/roomcall/signaling/internal/twofactor"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	log.Println("Redis connection established")

	// Core components
	store := room.NewStore(cfg.Rooms)
	tracker := chat.NewTracker(store)
	reg := registry.New()
	verifier := twofactor.NewRedisVerifier(twofactor.LogSender{}, cfg.TwoFactor.CodeTTL)
	router := handlers.NewRouter(store, tracker, reg, verifier)

	// Background sweep of expired empty rooms
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go store.RunSweeper(sweepCtx)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()

	// Global CORS middleware (runs before routing)
	engine.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Room management API (authenticated)
	apiGroup := engine.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Create room (requires JWT)
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), handlers.CreateRoom(cfg.Rooms.DefaultMaxParticipants))

		// Get room info (public)
		apiGroup.GET("/rooms/:roomId", handlers.GetRoom(func(roomID string) int {
			return len(store.Roster(roomID))
		}))

		// Delete room (requires JWT, creator only)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), handlers.DeleteRoom)
	}

	// WebSocket signaling endpoint
	wsGroup := engine.Group("/ws")
	{
		// WebSocket signaling - accepts room code or ID
		wsGroup.GET("/signal/:roomId", handlers.HandleSignaling(router))
	}

	// Start server
	log.Printf("Starting signaling server on port %s", cfg.Port)
	if err := engine.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
