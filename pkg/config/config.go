package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/licensekey"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// License cache backends
const (
	CacheLocal = "local"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Licensing     LicensingConfig
	Usage         UsageConfig
	Observability ObservabilityConfig

	// Policy is the static entitlement policy, optionally overridden by a file
	Policy Policy
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s liveness and readiness checks)
	HealthPort string

	// EnforceActions puts org-scoped mutations behind the authorization gate
	EnforceActions bool

	// Key validation throttling; zero requests disables it
	ValidateRateLimit  int
	ValidateRateWindow time.Duration
	ValidateRateBurst  int
}

// DatabaseConfig selects and configures the store backend
type DatabaseConfig struct {
	Storage string
	postgres.ConnectionConfig
}

// RedisConfig configures the shared license cache
type RedisConfig struct {
	Enabled bool
	postgres.RedisConfig
}

// LicensingConfig holds key signing and validation settings
type LicensingConfig struct {
	SigningSecret   string
	GracePeriodDays int
	DomainMatch     licensing.DomainMatch
	CacheBackend    string
	CacheTTL        time.Duration
	CacheSize       int
}

// UsageConfig tunes resource counting
type UsageConfig struct {
	CountCap       int64
	MaxConcurrency int
	BatchSize      int
	CacheTTL       time.Duration
	CacheSize      int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables and the
// optional policy file named by ENT_POLICY_FILE
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Licensing:     loadLicensingConfig(),
		Usage:         loadUsageConfig(),
		Observability: loadObservabilityConfig(),
		Policy:        DefaultPolicy(),
	}

	if path := getEnv("ENT_POLICY_FILE", ""); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ENT_HOST", "0.0.0.0"),
		Port:            getEnv("ENT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ENT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ENT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ENT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ENT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("ENT_HEALTH_PORT", "9090"),

		EnforceActions:     getEnvBool("ENT_ENFORCE_ACTIONS", false),
		ValidateRateLimit:  getEnvInt("ENT_VALIDATE_RATE_LIMIT", 600),
		ValidateRateWindow: getEnvDuration("ENT_VALIDATE_RATE_WINDOW", time.Minute),
		ValidateRateBurst:  getEnvInt("ENT_VALIDATE_RATE_BURST", 50),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Storage: strings.ToLower(getEnv("ENT_STORAGE", StoragePostgres)),
		ConnectionConfig: postgres.ConnectionConfig{
			PrimaryURL:  getEnv("ENT_POSTGRES_URL", ""),
			ReplicaURLs: postgres.ParseReplicaURLs(getEnv("ENT_POSTGRES_REPLICA_URLS", "")),
			MaxConns:    getEnvInt("ENT_POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("ENT_POSTGRES_MIN_CONNS", 5),
			Timeout:     getEnvDuration("ENT_POSTGRES_TIMEOUT", 5*time.Second),
			MaxLifetime: getEnvDuration("ENT_POSTGRES_MAX_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("ENT_POSTGRES_MAX_IDLE_TIME", 10*time.Minute),
		},
	}
}

func loadRedisConfig() RedisConfig {
	url := getEnv("ENT_REDIS_URL", "")
	return RedisConfig{
		Enabled: url != "",
		RedisConfig: postgres.RedisConfig{
			URL:        url,
			Password:   getEnv("ENT_REDIS_PASSWORD", ""),
			DB:         getEnvInt("ENT_REDIS_DB", 0),
			MaxRetries: getEnvInt("ENT_REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("ENT_REDIS_POOL_SIZE", 10),
		},
	}
}

func loadLicensingConfig() LicensingConfig {
	backend := CacheLocal
	if getEnv("ENT_REDIS_URL", "") != "" {
		backend = CacheRedis
	}
	return LicensingConfig{
		SigningSecret:   getEnv("ENT_LICENSE_SIGNING_SECRET", ""),
		GracePeriodDays: getEnvInt("ENT_LICENSE_GRACE_PERIOD_DAYS", licensing.DefaultGracePeriodDays),
		DomainMatch:     licensing.DomainMatch(strings.ToLower(getEnv("ENT_DOMAIN_MATCH", string(licensing.DomainMatchExact)))),
		CacheBackend:    strings.ToLower(getEnv("ENT_LICENSE_CACHE", backend)),
		CacheTTL:        getEnvDuration("ENT_LICENSE_CACHE_TTL", licensing.DefaultCacheTTL),
		CacheSize:       getEnvInt("ENT_LICENSE_CACHE_SIZE", 10000),
	}
}

func loadUsageConfig() UsageConfig {
	return UsageConfig{
		CountCap:       getEnvInt64("ENT_USAGE_COUNT_CAP", 100000),
		MaxConcurrency: getEnvInt("ENT_USAGE_MAX_CONCURRENCY", 3),
		BatchSize:      getEnvInt("ENT_USAGE_BATCH_SIZE", 500),
		CacheTTL:       getEnvDuration("ENT_USAGE_CACHE_TTL", 30*time.Second),
		CacheSize:      getEnvInt("ENT_USAGE_CACHE_SIZE", 10000),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("ENT_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ENT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ENT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ENT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ENT_OTEL_SERVICE_NAME", "entitlementd"),
		OTelServiceVersion: getEnv("ENT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ENT_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.ValidateRateLimit < 0 || c.Server.ValidateRateBurst < 0 {
		return fmt.Errorf("validate rate limit must not be negative")
	}
	if c.Server.ValidateRateLimit > 0 && c.Server.ValidateRateWindow <= 0 {
		return fmt.Errorf("validate rate window must be positive")
	}

	switch c.Database.Storage {
	case StoragePostgres:
		if c.Database.PrimaryURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("invalid storage type: %s (must be postgres or memory)", c.Database.Storage)
	}

	if len(c.Licensing.SigningSecret) < licensekey.MinSecretLength {
		return fmt.Errorf("license signing secret must be at least %d bytes", licensekey.MinSecretLength)
	}
	if c.Licensing.GracePeriodDays < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	if !c.Licensing.DomainMatch.Valid() {
		return fmt.Errorf("invalid domain match mode: %s", c.Licensing.DomainMatch)
	}
	switch c.Licensing.CacheBackend {
	case CacheLocal, CacheNone:
	case CacheRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("redis URL is required for the redis license cache")
		}
	default:
		return fmt.Errorf("invalid license cache: %s (must be local, redis or none)", c.Licensing.CacheBackend)
	}
	if c.Licensing.CacheTTL <= 0 {
		return fmt.Errorf("license cache TTL must be positive")
	}
	if c.Usage.CountCap <= 0 {
		return fmt.Errorf("usage count cap must be positive")
	}
	if c.Usage.CacheTTL < 0 {
		return fmt.Errorf("usage cache TTL must not be negative")
	}

	if err := c.Policy.Validate(); err != nil {
		return err
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// Policy is the static entitlement policy shared by the engines
type Policy struct {
	Tiers         map[licensing.Tier]licensing.TierPolicy
	Authorization authz.Policy
}

// DefaultPolicy returns the built-in tier table and action policy
func DefaultPolicy() Policy {
	return Policy{
		Tiers:         licensing.DefaultTiers(),
		Authorization: authz.DefaultPolicy(),
	}
}

// Validate checks the tier table and the action policy
func (p Policy) Validate() error {
	if err := licensing.ValidateTiers(p.Tiers); err != nil {
		return fmt.Errorf("invalid tier policy: %w", err)
	}
	if err := p.Authorization.Validate(); err != nil {
		return fmt.Errorf("invalid authorization policy: %w", err)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
