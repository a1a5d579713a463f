package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tonymelek/local-screen-share/config"
	"github.com/tonymelek/local-screen-share/internal/handlers"
	"github.com/tonymelek/local-screen-share/internal/middleware"
	"github.com/tonymelek/local-screen-share/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("connect to redis")
	}
	cancel()
	defer client.Close()
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("redis connection established")

	st := store.NewRedisStore(client, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Room and call state (public)
		apiGroup.GET("/rooms/:roomId", handlers.GetRoom(st))
		apiGroup.GET("/calls/:callId", handlers.GetCall(st))

		// Force-end a broadcast (requires JWT)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), handlers.EndRoom(st, log))
	}

	wsGroup := router.Group("/ws")
	{
		// Room event feed for dashboards
		wsGroup.GET("/rooms/:roomId", handlers.RoomEvents(st, log))
	}

	log.Info().Str("port", cfg.Port).Msg("starting signaling gateway")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
