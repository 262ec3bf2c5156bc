package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selects the conversation backend. Empty derives it from the configured URLs.
	Store string

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	RedisURL    string
	RedisPrefix string

	// Marketplace REST backend owning profiles and products.
	APIBaseURL        string
	APITimeout        time.Duration
	ProductRetryAfter time.Duration

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireStore bool
}

// LoadConfig loads Config from environment variables with defaults. A .env file in the working
// directory is applied first; real environment variables win.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:  EnvString("UNISALE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("UNISALE_LOG_LEVEL", "info"),
		LogFormat: EnvString("UNISALE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("UNISALE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("UNISALE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("UNISALE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("UNISALE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("UNISALE_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store: strings.ToLower(EnvString("UNISALE_STORE", "")),

		DatabaseURL:   EnvString("UNISALE_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("UNISALE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("UNISALE_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("UNISALE_DB_SCHEMA", "unisale"),
		DBAutoMigrate: EnvBool("UNISALE_DB_AUTO_MIGRATE", false),

		RedisURL:    EnvString("UNISALE_REDIS_URL", ""),
		RedisPrefix: EnvString("UNISALE_REDIS_PREFIX", "unisale:chat:"),

		APIBaseURL:        EnvString("UNISALE_API_BASE_URL", "http://127.0.0.1:5000"),
		APITimeout:        EnvDuration("UNISALE_API_TIMEOUT", 10*time.Second),
		ProductRetryAfter: EnvDuration("UNISALE_PRODUCT_RETRY_AFTER", 30*time.Second),

		ReadinessRequireStore: EnvBool("UNISALE_READINESS_REQUIRE_STORE", false),
	}
}

// StoreBackend resolves the configured backend. An explicit UNISALE_STORE wins; otherwise a
// database URL selects postgres, a redis URL selects redis, and neither selects memory.
func (c Config) StoreBackend() (string, error) {
	switch c.Store {
	case StoreMemory:
		return StoreMemory, nil
	case StorePostgres:
		if c.DatabaseURL == "" {
			return "", fmt.Errorf("UNISALE_STORE=postgres requires UNISALE_DATABASE_URL")
		}
		return StorePostgres, nil
	case StoreRedis:
		if c.RedisURL == "" {
			return "", fmt.Errorf("UNISALE_STORE=redis requires UNISALE_REDIS_URL")
		}
		return StoreRedis, nil
	case "":
	default:
		return "", fmt.Errorf("unknown UNISALE_STORE %q", c.Store)
	}

	switch {
	case c.DatabaseURL != "":
		return StorePostgres, nil
	case c.RedisURL != "":
		return StoreRedis, nil
	default:
		return StoreMemory, nil
	}
}
