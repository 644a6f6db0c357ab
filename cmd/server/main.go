package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/listening-room-system/internal/auth"
	"github.com/listening-room-system/internal/catalog"
	"github.com/listening-room-system/internal/playback"
	"github.com/listening-room-system/internal/room"
	"github.com/listening-room-system/internal/taste"
	"github.com/listening-room-system/internal/vote"
	"github.com/listening-room-system/internal/ws"
	"github.com/listening-room-system/pkg/database"
	"github.com/listening-room-system/pkg/events"
	"github.com/listening-room-system/pkg/redis"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found")
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "listening-room",
	})

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
		logger.SetLevel(log.InfoLevel)
	} else {
		logger.SetLevel(log.DebugLevel)
	}

	db, err := database.NewMySQLDB(
		os.Getenv("MYSQL_HOST"),
		os.Getenv("MYSQL_PORT"),
		os.Getenv("MYSQL_USER"),
		os.Getenv("MYSQL_PASSWORD"),
		os.Getenv("MYSQL_DATABASE"),
	)
	if err != nil {
		logger.Fatal("failed to connect to database", "err", err)
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     os.Getenv("REDIS_HOST") + ":" + os.Getenv("REDIS_PORT"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	kafkaClient := events.NewKafkaClient(
		strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		"listening-room-events",
		os.Getenv("KAFKA_GROUP_ID"),
	)

	sessions := redis.NewSessionStore(redisClient)
	stateCache := redis.NewStateCache(redisClient)
	verifier := auth.NewVerifier(os.Getenv("JWT_SECRET"), sessions)
	searchClient := catalog.NewClient(os.Getenv("SEARCH_BASE_URL"))

	playbackSvc := playback.NewService(db, stateCache, logger)
	roomSvc := room.NewService(db, logger)
	ledger := vote.NewLedger()
	engine := taste.NewEngine(searchClient, logger)

	coordinator := ws.NewCoordinator(verifier, roomSvc, playbackSvc, ledger, engine, db, kafkaClient, logger)

	sweeper := room.NewSweeper(
		roomSvc,
		time.Duration(envInt("SWEEP_INTERVAL_SEC", 60))*time.Second,
		time.Duration(envInt("ROOM_TIMEOUT_SEC", 60))*time.Second,
		time.Duration(envInt("ROOM_RETENTION_HOURS", 24))*time.Hour,
		logger,
	)
	sweeper.OnEvict = func(roomID uuid.UUID) {
		coordinator.EvictRoom(roomID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)
	go coordinator.RunPingLoop(ctx)

	// Tail the audit stream so room activity shows up in the operational
	// logs; consumption never feeds back into room state.
	go func() {
		err := kafkaClient.Consume(ctx, func(event events.Event) error {
			logger.Info("audit event",
				"type", event.Type,
				"room", event.RoomID,
				"user", event.UserID,
			)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("audit consumer stopped", "err", err)
		}
	}()

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(envDefault("CORS_ORIGINS", "http://localhost:5173"), ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	v1 := router.Group("/api/v1")

	// The websocket does its own handshake auth so it can reject with a
	// distinct close code.
	v1.GET("/ws", coordinator.HandleWebSocket)

	protected := v1.Group("/")
	protected.Use(auth.AuthMiddleware(verifier))
	{
		room.NewHandler(roomSvc, playbackSvc, kafkaClient).RegisterRoutes(protected)
		catalog.NewHandler(searchClient).RegisterRoutes(protected)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("server starting", "port", port)
	if err := router.Run(":" + port); err != nil {
		logger.Fatal("failed to start server", "err", err)
	}
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
