package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// DefaultTenantID is the agency tenant used when TENANT_ID is not set.
const DefaultTenantID = "help-homecare-prod"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewRulesHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// TenantID scopes every collection path; fixed for the process lifetime.
	TenantID string

	AuthJWTSecret string
	AuthJWTIssuer string

	OTLPEndpoint string

	StoreDriver string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	RateLimit RateLimitConfig
}

// RateLimitConfig bounds how fast one principal may write. Disabled unless
// Redis is configured and WRITE_RATE_LIMIT_ENABLED is set.
type RateLimitConfig struct {
	Enabled       bool
	WriteRate     float64
	WriteBurst    int
	LockKeyPrefix string
}

const (
	StoreDriverMemory = "memory"
	StoreDriverSQL    = "sql"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "carehub"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		TenantID:          NormalizeTenantID(getenv("TENANT_ID", DefaultTenantID)),
		AuthJWTSecret:     strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer:     strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		StoreDriver:       normalizeStoreDriver(getenv("STORE_DRIVER", StoreDriverSQL)),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "carehub"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "carehub.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		ReconcileEnabled:  getenvBool("RECONCILE_ENABLED", true),
		ReconcileInterval: getenvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:    getenvDuration("RECONCILE_GRACE", 2*time.Minute),
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("WRITE_RATE_LIMIT_ENABLED", false),
			WriteRate:     getenvFloat("WRITE_RATE_LIMIT_RATE", 5),
			WriteBurst:    getenvInt("WRITE_RATE_LIMIT_BURST", 20),
			LockKeyPrefix: getenv("LOCK_KEY_PREFIX", "carehub"),
		},
	}

	return cfg
}

// IsProduction reports whether the process runs in the production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// NormalizeTenantID lowercases and slugifies a tenant identifier. An empty
// result falls back to DefaultTenantID.
func NormalizeTenantID(raw string) string {
	value := slug.Make(strings.TrimSpace(raw))
	if value == "" {
		return DefaultTenantID
	}
	return value
}

func normalizeStoreDriver(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StoreDriverMemory, "mem", "inmemory":
		return StoreDriverMemory
	default:
		return StoreDriverSQL
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
