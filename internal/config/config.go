package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/meshlink-protocol/meshlink/internal/security"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string
	SQLitePath  string

	// Security
	SecurityLevel security.Level // 1=signing, 2=+encryption, 3=+certificate pinning
	IssuerName    string
	IssuerKey     string // base64 PKCS#8 issuer private key; generated if empty

	// Registry
	ReplaceOnRegister bool // replace a live registration instead of rejecting it
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "./data/meshlink.db"),
		IssuerName:        getEnv("ISSUER_NAME", "meshlink-root"),
		IssuerKey:         os.Getenv("ISSUER_KEY"),
		ReplaceOnRegister: getEnv("REGISTRY_REPLACE_ON_REGISTER", "false") == "true",
	}

	level, err := strconv.Atoi(getEnv("SECURITY_LEVEL", "2"))
	if err != nil || !security.Level(level).Valid() {
		panic("SECURITY_LEVEL must be 1, 2 or 3")
	}
	cfg.SecurityLevel = security.Level(level)

	// In production, require a persistent issuer key so certificates
	// survive restarts.
	if cfg.Env == "production" && cfg.IssuerKey == "" {
		panic("ISSUER_KEY is required in production")
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
