// Package config loads environment-bound settings for the
// account-connections service. A .env file is honored when present so
// local development matches the deployed environment variable surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultServerHost       = "0.0.0.0"
	defaultServerPort       = 8000
	defaultTaskFrequency    = 86400 * time.Second
	defaultSeedFile         = "config/institutions.yml"
	defaultJWTAlgorithm     = "HS256"
	defaultApplicationName  = "account-connections"
	defaultLogLevel         = "info"
	defaultEnvironmentLabel = "unknown"
)

type Config struct {
	ApplicationName string
	Environment     string
	LogLevel        string

	ServerHost string
	ServerPort int

	DatabaseURL string

	JSONWebTokenSecret    string
	JSONWebTokenAlgorithm string

	RobinhoodClientID    string
	RobinhoodDeviceToken string

	// Base64 of 32 raw key bytes.
	EncryptionSecretKey string

	AssetUpdateTaskFrequency   time.Duration
	RefreshTokensTaskFrequency time.Duration

	InstitutionsSeedFile string

	// Optional. When empty, the instrument cache reads go straight to Postgres.
	RedisURL string
}

// Load reads configuration from the environment. Defaults cover the
// optional knobs; the secrets and the database URL have no defaults and
// cause an error when missing.
func Load() (*Config, error) {
	// Ignore the error: no .env file is the normal case outside local dev.
	_ = godotenv.Load()

	cfg := &Config{
		ApplicationName:            getEnv("APPLICATION_NAME", defaultApplicationName),
		Environment:                getEnv("ENVIRONMENT", defaultEnvironmentLabel),
		LogLevel:                   getEnv("LOG_LEVEL", defaultLogLevel),
		ServerHost:                 getEnv("SERVER_HOST", defaultServerHost),
		ServerPort:                 getEnvInt("SERVER_PORT", defaultServerPort),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		JSONWebTokenSecret:         os.Getenv("JSON_WEB_TOKEN_SECRET"),
		JSONWebTokenAlgorithm:      getEnv("JSON_WEB_TOKEN_ALGORITHM", defaultJWTAlgorithm),
		RobinhoodClientID:          os.Getenv("ROBINHOOD_CLIENT_ID"),
		RobinhoodDeviceToken:       os.Getenv("ROBINHOOD_DEVICE_TOKEN"),
		EncryptionSecretKey:        os.Getenv("ENCRYPTION_SECRET_KEY"),
		AssetUpdateTaskFrequency:   getEnvSeconds("ASSET_UPDATE_TASK_FREQUENCY", defaultTaskFrequency),
		RefreshTokensTaskFrequency: getEnvSeconds("REFRESH_TOKENS_TASK_FREQUENCY", defaultTaskFrequency),
		InstitutionsSeedFile:       getEnv("INSTITUTIONS_SEED_FILE", defaultSeedFile),
		RedisURL:                   os.Getenv("REDIS_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"DATABASE_URL":           c.DatabaseURL,
		"JSON_WEB_TOKEN_SECRET":  c.JSONWebTokenSecret,
		"ROBINHOOD_CLIENT_ID":    c.RobinhoodClientID,
		"ROBINHOOD_DEVICE_TOKEN": c.RobinhoodDeviceToken,
		"ENCRYPTION_SECRET_KEY":  c.EncryptionSecretKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("config: required environment variable %s is not set", name)
		}
	}
	if c.AssetUpdateTaskFrequency <= 0 || c.RefreshTokensTaskFrequency <= 0 {
		return fmt.Errorf("config: task frequencies must be positive")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
