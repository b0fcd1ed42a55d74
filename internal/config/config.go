package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Monitor       MonitorConfig
	Auth          AuthConfig
	Routes        RoutesConfig
	Cluster       ClusterConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the grant store backend
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MigrateOnStart bool
}

// CacheConfig holds decision cache configuration
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// MonitorConfig holds access monitor configuration
type MonitorConfig struct {
	Capacity int
}

// AuthConfig holds bearer token verification configuration
type AuthConfig struct {
	JWTSecret string
	JWKSURL   string
	Issuer    string
	Leeway    time.Duration
}

// RoutesConfig holds route registry configuration
type RoutesConfig struct {
	File                string
	DenialDisplayPeriod time.Duration
}

// ClusterConfig holds cross-replica invalidation configuration
type ClusterConfig struct {
	RedisURL string
	Channel  string
}

// MaintenanceConfig holds housekeeping configuration
type MaintenanceConfig struct {
	PurgeSchedule  string
	PurgeRetention time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		},
		Database: loadDatabase(),
		Cache: CacheConfig{
			TTL:        parseDuration("CACHE_TTL", "60s"),
			MaxEntries: parseInt("CACHE_MAX_ENTRIES", 10000),
		},
		Monitor: MonitorConfig{
			Capacity: parseInt("MONITOR_CAPACITY", 100),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			JWKSURL:   getEnv("AUTH_JWKS_URL", ""),
			Issuer:    getEnv("AUTH_ISSUER", ""),
			Leeway:    parseDuration("AUTH_LEEWAY", "30s"),
		},
		Routes: RoutesConfig{
			File:                getEnv("ROUTES_FILE", "configs/routes.yaml"),
			DenialDisplayPeriod: parseDuration("DENIAL_DISPLAY_PERIOD", "5s"),
		},
		Cluster: ClusterConfig{
			RedisURL: getEnv("REDIS_URL", ""),
			Channel:  getEnv("REDIS_CHANNEL", "accessgate:invalidations"),
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:  getEnv("GRANT_PURGE_SCHEDULE", ""),
			PurgeRetention: parseDuration("GRANT_PURGE_RETENTION", "720h"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "accessgate"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDatabase loads only the database section, for tools that never serve
// requests.
func LoadDatabase() (*DatabaseConfig, error) {
	db := loadDatabase()
	if db.Password == "" {
		return nil, errors.New("invalid configuration: DB_PASSWORD is required")
	}
	return &db, nil
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:           getEnv("DB_HOST", "localhost"),
		Port:           getEnv("DB_PORT", "5432"),
		User:           getEnv("DB_USER", "accessgate"),
		Password:       getEnv("DB_PASSWORD", ""),
		Database:       getEnv("DB_NAME", "accessgate"),
		SSLMode:        getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:   parseInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:   parseInt("DB_MAX_IDLE_CONNS", 5),
		MigrateOnStart: parseBool("DB_MIGRATE_ON_START", false),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory))
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET or AUTH_JWKS_URL is required"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("AUTH_JWT_SECRET must be at least 32 bytes"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.Monitor.Capacity <= 0 {
		errs = append(errs, errors.New("MONITOR_CAPACITY must be positive"))
	}
	if c.Routes.File == "" {
		errs = append(errs, errors.New("ROUTES_FILE is required"))
	}
	if c.Maintenance.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(c.Maintenance.PurgeSchedule); err != nil {
			errs = append(errs, fmt.Errorf("GRANT_PURGE_SCHEDULE: %w", err))
		}
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("RATELIMIT_RPS and RATELIMIT_BURST must be positive"))
	}

	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
