package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lumachat/sync-engine/internal/cache"
	"github.com/lumachat/sync-engine/internal/gateway"
	"github.com/lumachat/sync-engine/internal/repository"
	"github.com/lumachat/sync-engine/internal/storage"
	enginesync "github.com/lumachat/sync-engine/internal/sync"
	"github.com/lumachat/sync-engine/internal/transport"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName: "lumachat sync engine",
		// Base64 media frames can be large.
		BodyLimit: 16 * 1024 * 1024, // 16MB
	})

	// Middleware
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: os.Getenv("ALLOWED_ORIGINS"),
	}))

	// Initialize database connection
	db, err := repository.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Redis backs both the push transport and the snapshot cache.
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsedDB, err := strconv.Atoi(dbStr); err == nil {
			redisDB = parsedDB
		}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	})

	pushTransport := transport.NewRedisTransport(rdb)

	redisCache := cache.NewRedisCache(rdb)
	if err := redisCache.Ping(); err != nil {
		log.Fatal("Redis connection failed:", err)
	}
	conversationCache := cache.NewConversationCache(redisCache)

	// Initialize repositories (write-through publishing on the transport)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db, pushTransport)
	notificationRepo := repository.NewNotificationRepository(db, pushTransport)

	// Initialize blob storage (best-effort; media sends degrade to text if missing)
	var blobs enginesync.BlobUploader
	if cfg, err := storage.LoadBlobConfigFromEnv(); err != nil {
		log.Printf("WARNING: blob storage not configured: %v", err)
	} else if st, err := storage.NewBlobStorage(cfg); err != nil {
		log.Printf("WARNING: failed to initialize blob storage: %v", err)
	} else {
		blobs = st
		log.Printf("Blob storage initialized successfully (bucket=%s)", cfg.Bucket)
	}

	manager := enginesync.NewSubscriptionManager(pushTransport)
	gw := gateway.New(conversationRepo, messageRepo, notificationRepo, blobs, manager, conversationCache)

	// WebSocket attach point. Identity is resolved upstream (the gateway
	// sits behind the platform's auth proxy) and passed as a query param.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			uid, err := strconv.ParseUint(c.Query("user_id"), 10, 32)
			if err != nil || uid == 0 {
				return fiber.ErrUnauthorized
			}
			c.Locals("userID", uint(uid))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(gw.HandleWebSocket))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"clients": gw.GetHub().Count(),
		})
	})

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		log.Printf("Sync engine starting on port %s...", port)
		if err := app.Listen(":" + port); err != nil {
			log.Fatal("Failed to start server:", err)
		}
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigC

	log.Println("Shutting down...")
	manager.Close()
	if err := app.Shutdown(); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	if err := redisCache.Close(); err != nil {
		log.Printf("Redis shutdown: %v", err)
	}
}
