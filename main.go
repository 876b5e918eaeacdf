package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sixseven-ranked/handlers"
	"sixseven-ranked/models"
	"sixseven-ranked/ratelimit"
	"sixseven-ranked/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New()

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOriginsString,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
		MaxAge:       86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		log.Fatal("TOKEN_SECRET environment variable not set")
	}

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		log.Println("⚠️  BASE_URL environment variable not set, share links will use http://localhost:3000")
		baseURL = "http://localhost:3000"
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.ScoreRecord{},
		&models.Duel{},
		&models.DuelPlayer{},
		&models.Challenge{},
		&models.ChallengeEntry{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// Submission throttling: in-process by default, Redis-backed when
	// REDIS_ADDR is set (required for multi-instance deployments — the
	// in-memory counters are per-process only).
	var limiter ratelimit.Store
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisStore := ratelimit.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err := redisStore.Ping(); err != nil {
			log.Fatal("failed to connect to redis:", err)
		}
		limiter = redisStore
		log.Printf("✅ Rate limiting backed by Redis at %s", addr)
	} else {
		memStore := ratelimit.NewMemoryStore()
		memStore.StartSweeper(10 * time.Minute)
		limiter = memStore
		log.Println("⚠️  Rate limiting is in-process only — set REDIS_ADDR when running multiple instances")
	}

	tokenService := services.NewTokenService(tokenSecret)
	rankService := services.NewRankService(db)
	scoreService := services.NewScoreService(db, tokenService, rankService, limiter)
	duelService := services.NewDuelService(db, tokenService, rankService, limiter, baseURL)
	challengeService := services.NewChallengeService(db, tokenService, limiter, baseURL)

	handlers.SetupGameRoutes(app, scoreService, duelService, challengeService)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := os.Getenv("PORT")
	if port == "" {
		port = "5200"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
