package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration.
type Config struct {
	// Application
	AppEnv          string
	Port            string
	LogLevel        string
	ErrorSampleRate int
	OTELEnabled     bool
	ServiceName     string
	// RequestTimeout bounds every HTTP route except event processing.
	RequestTimeout  time.Duration

	// Database. Empty runs every tenant in memory.
	DatabaseURL string

	// Redis. Empty keeps the enabled-rule cache in process.
	RedisURL string
	CacheTTL time.Duration

	// RabbitMQ. Empty disables event publishing.
	RabbitMQURL string

	// Automations
	DelayUnit      time.Duration
	SeedDefaults   bool
	WebhookTimeout time.Duration
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ErrorSampleRate: getIntEnv("ERROR_SAMPLE_RATE", 1),
		OTELEnabled:     getBoolEnv("OTEL_ENABLED", false),
		ServiceName:     getEnv("OTEL_SERVICE_NAME", "automations"),
		RequestTimeout:  getDurationEnv("HTTP_REQUEST_TIMEOUT", 60*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getDurationEnv("CACHE_TTL", 0),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		DelayUnit:      getDurationEnv("AUTOMATION_DELAY_UNIT", time.Minute),
		SeedDefaults:   getBoolEnv("AUTOMATION_SEED_DEFAULTS", true),
		WebhookTimeout: getDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.DelayUnit <= 0 {
		return fmt.Errorf("AUTOMATION_DELAY_UNIT must be positive, got %s", c.DelayUnit)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("HTTP_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %s", c.WebhookTimeout)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative, got %s", c.CacheTTL)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	return nil
}

// InMemory reports whether tenants live only in process memory.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
