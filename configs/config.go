package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Medium drivers.
const (
	MediumMemory     = "memory"
	MediumRedis      = "redis"
	MediumEtcd       = "etcd"
	MediumFilesystem = "filesystem"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	InstanceID     string `toml:"instance_id"`
	UserID         string `toml:"user_id"`
	PersistenceKey string `toml:"persistence_key"`
	Visibility     string `toml:"visibility"`

	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	LeaseDuration     time.Duration `toml:"lease_duration"`
	StaleTolerance    time.Duration `toml:"stale_tolerance"`

	StoreDriver string `toml:"store_driver"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`

	MediumDriver  string   `toml:"medium_driver"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	MediumDir     string   `toml:"medium_dir"`

	APIPort   string `toml:"api_port"`
	JWTSecret string `toml:"jwt_secret"`

	TracingEndpoint string `toml:"tracing_endpoint"`
	LogLevel        string `toml:"log_level"`
	LogEncoding     string `toml:"log_encoding"`

	BreakerFailureThreshold int           `toml:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `toml:"breaker_timeout"`
}

// Default returns a single-machine setup: sqlite store, filesystem medium.
func Default() *Config {
	return &Config{
		InstanceID:              defaultInstanceID(),
		PersistenceKey:          "default",
		Visibility:              "FOREGROUND",
		HeartbeatInterval:       4 * time.Second,
		LeaseDuration:           5 * time.Second,
		StaleTolerance:          1 * time.Second,
		StoreDriver:             StoreSQLite,
		SQLitePath:              "leasecast.db",
		PostgresDSN:             "host=localhost user=leasecast password=password dbname=leasecast port=5432 sslmode=disable TimeZone=UTC",
		MediumDriver:            MediumFilesystem,
		RedisAddr:               "localhost:6379",
		EtcdEndpoints:           []string{"localhost:2379"},
		MediumDir:               "leasecast-medium",
		APIPort:                 "8080",
		LogLevel:                "info",
		LogEncoding:             "json",
		BreakerFailureThreshold: 5,
	}
}

// Load reads defaults, then the TOML file at path if path is non-empty,
// then LEASECAST_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.InstanceID = getEnv("LEASECAST_INSTANCE_ID", c.InstanceID)
	c.UserID = getEnv("LEASECAST_USER_ID", c.UserID)
	c.PersistenceKey = getEnv("LEASECAST_PERSISTENCE_KEY", c.PersistenceKey)
	c.Visibility = getEnv("LEASECAST_VISIBILITY", c.Visibility)
	c.HeartbeatInterval = getEnvAsDuration("LEASECAST_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.LeaseDuration = getEnvAsDuration("LEASECAST_LEASE_DURATION", c.LeaseDuration)
	c.StaleTolerance = getEnvAsDuration("LEASECAST_STALE_TOLERANCE", c.StaleTolerance)
	c.StoreDriver = getEnv("LEASECAST_STORE_DRIVER", c.StoreDriver)
	c.SQLitePath = getEnv("LEASECAST_SQLITE_PATH", c.SQLitePath)
	c.PostgresDSN = getEnv("LEASECAST_POSTGRES_DSN", c.PostgresDSN)
	c.MediumDriver = getEnv("LEASECAST_MEDIUM_DRIVER", c.MediumDriver)
	c.RedisAddr = getEnv("LEASECAST_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("LEASECAST_REDIS_PASSWORD", c.RedisPassword)
	if v := getEnv("LEASECAST_ETCD_ENDPOINTS", ""); v != "" {
		c.EtcdEndpoints = strings.Split(v, ",")
	}
	c.MediumDir = getEnv("LEASECAST_MEDIUM_DIR", c.MediumDir)
	c.APIPort = getEnv("LEASECAST_API_PORT", c.APIPort)
	c.JWTSecret = getEnv("LEASECAST_JWT_SECRET", c.JWTSecret)
	c.TracingEndpoint = getEnv("LEASECAST_TRACING_ENDPOINT", c.TracingEndpoint)
	c.LogLevel = getEnv("LEASECAST_LOG_LEVEL", c.LogLevel)
	c.LogEncoding = getEnv("LEASECAST_LOG_ENCODING", c.LogEncoding)
	c.BreakerFailureThreshold = getEnvAsInt("LEASECAST_BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold)
	c.BreakerTimeout = getEnvAsDuration("LEASECAST_BREAKER_TIMEOUT", c.BreakerTimeout)
}

func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is empty", ErrInvalidConfig)
	}
	if c.PersistenceKey == "" {
		return fmt.Errorf("%w: persistence_key is empty", ErrInvalidConfig)
	}
	if c.LeaseDuration <= c.HeartbeatInterval {
		return fmt.Errorf("%w: lease_duration %s must exceed heartbeat_interval %s",
			ErrInvalidConfig, c.LeaseDuration, c.HeartbeatInterval)
	}
	if c.BreakerTimeout < 0 || (c.BreakerTimeout != 0 && c.BreakerTimeout >= c.HeartbeatInterval) {
		return fmt.Errorf("%w: breaker_timeout %s must be shorter than heartbeat_interval %s",
			ErrInvalidConfig, c.BreakerTimeout, c.HeartbeatInterval)
	}
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	switch c.MediumDriver {
	case MediumMemory, MediumRedis, MediumEtcd, MediumFilesystem:
	default:
		return fmt.Errorf("%w: unknown medium_driver %q", ErrInvalidConfig, c.MediumDriver)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "leasecast"
	}
	return host + "-" + uuid.New().String()[:8]
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
