package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sakha-crm/assistant/internal/api"
	"github.com/sakha-crm/assistant/internal/breaker"
	"github.com/sakha-crm/assistant/internal/budget"
	"github.com/sakha-crm/assistant/internal/chat"
	"github.com/sakha-crm/assistant/internal/config"
	"github.com/sakha-crm/assistant/internal/crm"
	"github.com/sakha-crm/assistant/internal/database"
	"github.com/sakha-crm/assistant/internal/intent"
	"github.com/sakha-crm/assistant/internal/middleware"
	"github.com/sakha-crm/assistant/internal/provider"
	"github.com/sakha-crm/assistant/internal/replay"
	"github.com/sakha-crm/assistant/internal/retry"
	"github.com/sakha-crm/assistant/internal/token"
	"github.com/sakha-crm/assistant/pkg/cache"
)

func main() {
	fmt.Println("==============================================")
	fmt.Println("  Sakha Assistant - CRM Chatbot Backend")
	fmt.Println("==============================================")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Starting server on port %s...\n", cfg.Port)

	// Initialize database connection.
	db, err := database.New(cfg.DSN())
	if err != nil {
		log.Printf("WARNING: Database unavailable (%v). CRM actions are disabled; chat still works.", err)
		db = nil
	} else {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Printf("Database connected (%s) and migrations applied.", cfg.RedactedDSN())
	}

	// Initialize Redis. Without it the replay set, CSRF store and rate
	// limiter fall back to in-process behaviour, which only protects a
	// single replica.
	var redisCache *cache.Cache
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisCache, err = cache.NewCache(ctx, cfg.RedisAddr(), cfg.RedisPassword)
		cancel()
		if err != nil {
			log.Printf("WARNING: Redis unavailable (%v). Replay and CSRF protection are in-memory only.", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	// Resilience components around the AI provider.
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		SuccessThreshold: cfg.CBSuccessThreshold,
		ResetTimeout:     cfg.CBResetTimeout,
	})
	executor := retry.New(retry.Config{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialDelay:      cfg.RetryInitialDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		MaxDelay:          cfg.RetryMaxDelay,
		Retryable:         provider.Retryable,
	}, br)

	tracker, err := budget.New(cfg.ModelPrices, cfg.DailyBudgetLimit, cfg.MonthlyBudgetLimit)
	if err != nil {
		log.Fatalf("Failed to initialize budget tracker: %v", err)
	}

	// Token services for the confirmation flow.
	tokens, err := token.NewService(cfg.ActionSecret, cfg.ActionTTL, cfg.ParameterLimit)
	if err != nil {
		log.Fatalf("Failed to initialize token service: %v", err)
	}
	var csrfStore token.CSRFStore
	if redisCache != nil {
		csrfStore = token.NewRedisCSRFStore(redisCache, cfg.CSRFTTL)
	} else {
		csrfStore = token.NewMemoryCSRFStore(cfg.CSRFTTL)
	}

	var replayStore replay.Store
	if redisCache != nil {
		replayStore = replay.NewRedisStore(redisCache)
	} else {
		replayStore = replay.NewMemoryStore()
	}

	// AI provider. Missing API key degrades to fallback-only mode.
	var generator chat.Generator
	fallbackOnly := cfg.FallbackOnly
	if cfg.GeminiAPIKey == "" {
		log.Println("WARNING: GEMINI_API_KEY not set - using fallback pattern matching only.")
		fallbackOnly = true
	} else if !fallbackOnly {
		generator = provider.NewClient(cfg.GeminiAPIKey, cfg.GeminiModels, cfg.GeminiTimeout)
		log.Printf("[CHATBOT] gemini initialized with model order: %v", cfg.GeminiModels)
	}

	var recorder chat.UsageRecorder
	var store crm.Store
	if db != nil {
		recorder = db
		store = db
	}

	orch := chat.New(chat.Options{
		Tokens:       tokens,
		CSRF:         csrfStore,
		Replay:       replayStore,
		Retry:        executor,
		Budget:       tracker,
		Generator:    generator,
		Matcher:      intent.NewMatcher(),
		Executor:     crm.NewDispatcher(store),
		Recorder:     recorder,
		FallbackOnly: fallbackOnly,
		PrimaryModel: cfg.GeminiModels[0],
	})

	handlers := api.NewHandlers(orch, db, tracker, br)

	// Set up Gin router.
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggingMiddleware())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "X-User-ID", "X-Company-ID"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check.
	r.GET("/health", handlers.HealthCheck)

	// API v1 routes.
	// Fail-secure: if no key is configured, block all requests.
	v1 := r.Group("/api/v1")
	if cfg.APIKey != "" {
		v1.Use(middleware.AuthMiddleware(cfg.APIKey))
		log.Println("API authentication enabled.")
	} else {
		log.Println("WARNING: SAKHA_API_KEY not set. API is disabled (fail-secure).")
		v1.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   gin.H{"kind": chat.KindUnavailable, "message": "API disabled: SAKHA_API_KEY not configured"},
			})
		})
	}
	v1.Use(middleware.RateLimitMiddleware(redisCache, cfg.RateLimitMax, cfg.RateLimitWindow))
	{
		v1.POST("/chat/message", handlers.PostMessage)
		v1.POST("/chat/confirm", handlers.PostConfirm)
		v1.GET("/chat/csrf", handlers.GetCSRF)
		v1.DELETE("/chat/history", handlers.DeleteHistory)
		v1.GET("/chat/metrics", handlers.GetMetrics)
		v1.GET("/requests", handlers.GetRequests)
	}

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Sakha assistant is ready on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited.")
}
