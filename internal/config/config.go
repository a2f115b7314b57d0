package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	HTTPPort        string
	LogLevel        string
	JWTSecret       string
	SeedOnStart     bool
	KeyringDir      string
	KeyringPassword string
	AutoSaveDelay   time.Duration
}

// Load reads the .env file if present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		DatabaseURL:     getEnv("DATABASE_URL", "olympus.db"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		LogLevel:        strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		SeedOnStart:     getEnvAsBool("SEED_ON_START", true),
		KeyringDir:      getEnv("KEYRING_DIR", "./data/keyring"),
		KeyringPassword: getEnv("KEYRING_PASSWORD", ""),
		AutoSaveDelay:   getEnvAsDuration("AUTOSAVE_DELAY", 500*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.KeyringDir == "" {
		return fmt.Errorf("KEYRING_DIR cannot be empty")
	}
	if c.AutoSaveDelay <= 0 {
		return fmt.Errorf("AUTOSAVE_DELAY must be > 0")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(getEnv(key, ""))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	// bare integers are milliseconds
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
