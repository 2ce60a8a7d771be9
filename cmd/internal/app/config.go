package app

import (
	"strings"
	"time"

	"github.com/joho/godotenv"

	"forge/cmd/internal/realtime"
)

// Store backends selectable through FORGE_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Env string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store is one of memory, postgres, sqlite, redis. Empty means infer from the
	// configured URLs/paths.
	Store        string
	StoreTimeout time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	SQLitePath string
	RedisURL   string

	// If true:
	// - /readyz returns 503 while running on the in-memory store.
	ReadinessRequireDB bool

	// Identity policy.
	AuthRequired bool
	JWTSecret    string
	JWTIssuer    string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Gateway realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
// Outside production a .env file in the working directory is loaded first; real
// environment variables always win over it.
func LoadConfig() Config {
	if !strings.EqualFold(EnvString("FORGE_ENV", "development"), "production") {
		_ = godotenv.Load()
	}

	return Config{
		Env: strings.ToLower(EnvString("FORGE_ENV", "development")),

		HTTPAddr:  EnvString("FORGE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("FORGE_LOG_LEVEL", "info"),
		LogFormat: EnvString("FORGE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("FORGE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("FORGE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("FORGE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("FORGE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("FORGE_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:        strings.ToLower(EnvString("FORGE_STORE", "")),
		StoreTimeout: EnvDuration("FORGE_STORE_TIMEOUT", 5*time.Second),

		DatabaseURL: EnvString("FORGE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("FORGE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("FORGE_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("FORGE_DB_SCHEMA", "forge"),

		SQLitePath: EnvString("FORGE_SQLITE_PATH", ""),
		RedisURL:   EnvString("FORGE_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("FORGE_READINESS_REQUIRE_DB", false),

		AuthRequired: EnvBool("FORGE_AUTH_REQUIRED", false),
		JWTSecret:    EnvString("FORGE_JWT_SECRET", ""),
		JWTIssuer:    EnvString("FORGE_JWT_ISSUER", ""),

		CORSAllowedOrigins:   EnvCSV("FORGE_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("FORGE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("FORGE_CORS_MAX_AGE", 300),

		Gateway: realtime.GatewayConfigFromEnv(),
	}
}

// Production reports whether FORGE_ENV is production.
func (c Config) Production() bool { return c.Env == "production" }

// StoreKind resolves the effective store backend.
func (c Config) StoreKind() string {
	if c.Store != "" {
		return c.Store
	}
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.RedisURL != "":
		return StoreRedis
	case c.SQLitePath != "":
		return StoreSQLite
	default:
		return StoreMemory
	}
}
