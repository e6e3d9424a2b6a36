// Package config handles loading and validating configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sakha-crm/assistant/pkg/models"
)

// DefaultGeminiModels is the fallback chain tried in order when a call fails.
var DefaultGeminiModels = []string{
	"gemini-2.0-flash-exp",
	"gemini-1.5-flash-latest",
	"gemini-1.5-pro-latest",
	"gemini-pro-latest",
}

// defaultModelPrices is the built-in price table (USD per 1K tokens).
var defaultModelPrices = map[string]models.ModelPrice{
	"gemini-2.0-flash-exp":    {InputPer1K: 0.001, OutputPer1K: 0.004},
	"gemini-1.5-flash-latest": {InputPer1K: 0.00035, OutputPer1K: 0.00105},
	"gemini-1.5-pro-latest":   {InputPer1K: 0.00125, OutputPer1K: 0.00375},
	"gemini-pro-latest":       {InputPer1K: 0.0005, OutputPer1K: 0.0015},
}

// Config holds all configuration for the Sakha assistant service.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// API authentication
	APIKey string // Required for /api/v1 endpoints; empty = endpoints disabled

	// Action confirmation tokens
	ActionSecret   string        // HMAC signing secret; required unless FallbackOnly
	ActionTTL      time.Duration // Pending-action token lifetime
	ParameterLimit int           // Max serialized parameter size in bytes
	CSRFTTL        time.Duration

	// AI provider
	GeminiAPIKey   string
	GeminiModels   []string
	GeminiTimeout  time.Duration
	FallbackOnly   bool // Skip the AI path entirely, pattern matching only

	// Circuit breaker
	CBFailureThreshold int
	CBSuccessThreshold int
	CBResetTimeout     time.Duration

	// Retry
	RetryMaxAttempts       int
	RetryInitialDelay      time.Duration
	RetryBackoffMultiplier float64
	RetryMaxDelay          time.Duration

	// Budget limits (USD)
	DailyBudgetLimit   float64
	MonthlyBudgetLimit float64
	ModelPrices        map[string]models.ModelPrice

	// Rate limiting
	RateLimitMax    int64
	RateLimitWindow time.Duration

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
}

// Load reads configuration from environment variables with sensible defaults.
// Fatal misconfiguration (missing secret, malformed price table) is reported
// here so the process fails at startup, not per-request.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("SAKHA_PORT", "8080"),
		LogLevel: getEnv("SAKHA_LOG_LEVEL", "info"),

		APIKey: os.Getenv("SAKHA_API_KEY"),

		ActionSecret: os.Getenv("SAKHA_ACTION_SECRET"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		FallbackOnly: getEnv("SAKHA_FALLBACK_ONLY", "false") == "true",

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "sakha"),
		DBUser:     getEnv("POSTGRES_USER", "sakha_user"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
	}

	var err error
	if cfg.DBPort, err = intEnv("POSTGRES_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", 6379); err != nil {
		return nil, err
	}

	ttlSeconds, err := intEnv("SAKHA_ACTION_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.ActionTTL = time.Duration(ttlSeconds) * time.Second

	if cfg.ParameterLimit, err = intEnv("SAKHA_ACTION_PARAMETER_LIMIT", 4096); err != nil {
		return nil, err
	}

	csrfSeconds, err := intEnv("SAKHA_CSRF_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	cfg.CSRFTTL = time.Duration(csrfSeconds) * time.Second

	geminiTimeoutSec, err := intEnv("SAKHA_GEMINI_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.GeminiTimeout = time.Duration(geminiTimeoutSec) * time.Second

	cfg.GeminiModels = DefaultGeminiModels
	if raw := os.Getenv("SAKHA_GEMINI_MODELS"); raw != "" {
		var names []string
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				names = append(names, m)
			}
		}
		if len(names) > 0 {
			cfg.GeminiModels = names
		}
	}

	if cfg.CBFailureThreshold, err = intEnv("CB_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.CBSuccessThreshold, err = intEnv("CB_SUCCESS_THRESHOLD", 2); err != nil {
		return nil, err
	}
	cbResetMs, err := intEnv("CB_RESET_TIMEOUT", 30000)
	if err != nil {
		return nil, err
	}
	cfg.CBResetTimeout = time.Duration(cbResetMs) * time.Millisecond

	if cfg.RetryMaxAttempts, err = intEnv("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	retryInitialMs, err := intEnv("RETRY_INITIAL_DELAY", 1000)
	if err != nil {
		return nil, err
	}
	cfg.RetryInitialDelay = time.Duration(retryInitialMs) * time.Millisecond
	retryMaxMs, err := intEnv("RETRY_MAX_DELAY", 10000)
	if err != nil {
		return nil, err
	}
	cfg.RetryMaxDelay = time.Duration(retryMaxMs) * time.Millisecond
	if cfg.RetryBackoffMultiplier, err = floatEnv("RETRY_BACKOFF_MULTIPLIER", 2); err != nil {
		return nil, err
	}

	if cfg.DailyBudgetLimit, err = floatEnv("SAKHA_DAILY_BUDGET_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.MonthlyBudgetLimit, err = floatEnv("SAKHA_MONTHLY_BUDGET_LIMIT", 100); err != nil {
		return nil, err
	}

	cfg.ModelPrices = defaultModelPrices
	if raw := os.Getenv("SAKHA_MODEL_PRICES"); raw != "" {
		prices := make(map[string]models.ModelPrice)
		if err := json.Unmarshal([]byte(raw), &prices); err != nil {
			return nil, fmt.Errorf("invalid SAKHA_MODEL_PRICES: %w", err)
		}
		for name, p := range prices {
			if p.InputPer1K < 0 || p.OutputPer1K < 0 {
				return nil, fmt.Errorf("invalid SAKHA_MODEL_PRICES: negative price for %s", name)
			}
		}
		cfg.ModelPrices = prices
	}

	rateMax, err := intEnv("SAKHA_RATE_LIMIT_MAX", 30)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitMax = int64(rateMax)
	rateWindowSec, err := intEnv("SAKHA_RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(rateWindowSec) * time.Second

	// Confirmation tokens cannot be minted without a signing secret. In
	// fallback-only mode mutating actions are still gated, so the secret is
	// required either way unless explicitly testing.
	if cfg.ActionSecret == "" {
		return nil, fmt.Errorf("SAKHA_ACTION_SECRET must be configured to use chatbot confirmations")
	}
	if len(cfg.ActionSecret) < 32 {
		fmt.Fprintln(os.Stderr, "WARNING: SAKHA_ACTION_SECRET should be at least 32 characters")
	}

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
