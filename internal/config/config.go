package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/breaker"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel zerolog.Level

	// Central store: Postgres when DatabaseURL is set, SQLite otherwise.
	DatabaseURL string
	SQLitePath  string

	// Agent memory (and write rate limiting) live in Redis when set.
	RedisURL string

	// CentralURL is where agents reach the central API.
	CentralURL string
	// AgentIDs are the agents the server runs in-process.
	AgentIDs []string
	// AgentID is the agent a standalone agent process runs.
	AgentID string

	Breaker breaker.Options

	SubscriberRequestTimeout time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AllowedOrigins     []string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "3000"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getLevel("LOG_LEVEL", zerolog.InfoLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/agentrelay.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CentralURL:  getEnv("CENTRAL_MESSAGE_SERVER_URL", "http://localhost:3000"),
		AgentIDs:    getList("AGENT_IDS"),
		AgentID:     os.Getenv("AGENT_ID"),
		Breaker: breaker.Options{
			FailureThreshold:    getInt("BREAKER_FAILURE_THRESHOLD", breaker.DefaultFailureThreshold),
			ResetTimeout:        getDuration("BREAKER_RESET_TIMEOUT", breaker.DefaultResetTimeout),
			HalfOpenMaxAttempts: getInt("BREAKER_HALF_OPEN_MAX_ATTEMPTS", breaker.DefaultHalfOpenMaxAttempts),
		},
		SubscriberRequestTimeout: getDuration("SUBSCRIBER_REQUEST_TIMEOUT", 10*time.Second),
		RateLimitWhitelist:       getList("RATE_LIMIT_WHITELIST"),
		AllowedOrigins:           getList("CORS_ALLOWED_ORIGINS"),
	}

	// In production, require a durable store
	if cfg.Env == "production" && cfg.DatabaseURL == "" && os.Getenv("SQLITE_PATH") == "" {
		panic("DATABASE_URL or SQLITE_PATH is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList splits a comma-separated variable, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getLevel(key string, defaultValue zerolog.Level) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(os.Getenv(key)); err == nil && os.Getenv(key) != "" {
		return lvl
	}
	return defaultValue
}
