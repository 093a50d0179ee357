package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Config holds application configuration
type Config struct {
	// Server settings
	ListenAddr string

	// Database
	DBPath string

	// Security
	AppSecret       string
	DBEncryptionKey string

	// Mail server defaults for accounts that do not override them
	IMAPHost string
	IMAPPort string

	// Rule engine pacing
	ActionDelayMs  int
	RetryAttempts  int
	RetryBaseMs    int
	RateLimitPause int // seconds

	// Session
	SessionTimeoutHours int
	SessionCacheMinutes int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Get required security secrets - fail startup if not set or too weak
	appSecret, err := getEnvRequiredMinLength("APP_SECRET", 32)
	if err != nil {
		return nil, fmt.Errorf("security configuration error: %w", err)
	}

	dbEncryptionKey, err := getEnvRequiredMinLength("DB_ENCRYPTION_KEY", 32)
	if err != nil {
		return nil, fmt.Errorf("security configuration error: %w", err)
	}

	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DBPath:              getEnv("DB_PATH", "./data/mailfold.db"),
		AppSecret:           appSecret,
		DBEncryptionKey:     dbEncryptionKey,
		IMAPHost:            getEnv("IMAP_HOST", "localhost"),
		IMAPPort:            getEnv("IMAP_PORT", "143"),
		ActionDelayMs:       getEnvInt("ACTION_DELAY_MS", 200),
		RetryAttempts:       getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBaseMs:         getEnvInt("RETRY_BASE_MS", 500),
		RateLimitPause:      getEnvInt("RATE_LIMIT_PAUSE_SECONDS", 30),
		SessionTimeoutHours: getEnvInt("SESSION_TIMEOUT_HOURS", 8),
		SessionCacheMinutes: getEnvInt("SESSION_CACHE_MINUTES", 30),
	}

	log.Info().Msg("Configuration loaded successfully")
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequiredMinLength returns an error if the environment variable is not set
// or if its value is shorter than the minimum required length
func getEnvRequiredMinLength(key string, minLength int) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s environment variable is required but not set", key)
	}
	if len(value) < minLength {
		return "", fmt.Errorf("%s must be at least %d characters (got %d)", key, minLength, len(value))
	}
	return value, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
