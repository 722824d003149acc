package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/middleware"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/storage"
)

// ConfigFileEnv names the optional YAML file read before the environment
const ConfigFileEnv = "PORTER_CONFIG"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig               `yaml:"server"`
	Database      storage.Config             `yaml:"database"`
	Redis         storage.RedisConfig        `yaml:"redis"`
	Cache         CacheConfig                `yaml:"cache"`
	Auth          middleware.AuthConfig      `yaml:"auth"`
	RateLimit     middleware.RateLimitConfig `yaml:"rate_limit"`
	Invitations   InvitationsConfig          `yaml:"invitations"`
	Archive       ArchiveConfig              `yaml:"archive"`
	Catalog       CatalogConfig              `yaml:"catalog"`
	Observability ObservabilityConfig        `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// CacheConfig controls the grant cache. Redis is used when a Redis URL is configured,
// otherwise an in-process LRU of Size entries.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// InvitationsConfig holds the invitation lifetimes and the expiry sweep schedule
type InvitationsConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// AcceptTokenTTL is the lifetime of the bearer token handed out on acceptance; zero
	// disables it
	AcceptTokenTTL time.Duration `yaml:"accept_token_ttl"`
	ExpirySchedule string        `yaml:"expiry_schedule"`
}

// ArchiveConfig controls the daily audit export to object storage
type ArchiveConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Schedule string         `yaml:"schedule"`
	S3       audit.S3Config `yaml:"s3"`
}

// CatalogConfig points at the YAML file of custom role definitions
type CatalogConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string                   `yaml:"log_level"`
	MetricsEnabled bool                     `yaml:"metrics_enabled"`
	OTel           observability.OTelConfig `yaml:"otel"`
}

// Level returns the parsed log level
func (c ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(c.LogLevel)
}

// Default returns the configuration used when neither a file nor the environment say
// otherwise. The auth secret has no default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Database: storage.DefaultConfig(),
		Redis: storage.RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    10000,
			TTL:     time.Minute,
		},
		Auth: middleware.AuthConfig{
			Issuer: "porter",
			Leeway: 30 * time.Second,
		},
		RateLimit: middleware.DefaultRateLimitConfig(),
		Invitations: InvitationsConfig{
			TTL:            invitations.DefaultTTL,
			AcceptTokenTTL: 12 * time.Hour,
			ExpirySchedule: "*/15 * * * *",
		},
		Archive: ArchiveConfig{
			Schedule: "30 0 * * *",
			S3: audit.S3Config{
				Prefix: "audit",
				Region: "us-east-1",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
			OTel: observability.OTelConfig{
				Endpoint:       "localhost:4317",
				ServiceName:    "porter",
				ServiceVersion: "1.0.0",
				Insecure:       true,
				SampleRatio:    1,
			},
		},
	}
}

// LoadConfig loads the file named by PORTER_CONFIG, if any, then the environment
func LoadConfig() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile loads defaults, overlays the YAML file at path (skipped when empty), then
// PORTER_* environment variables, and validates the result
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		err = cfg.decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// decode overlays YAML onto c. Keys absent from the document keep their current value.
func (c *Config) decode(r io.Reader) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("PORTER_HOST", s.Host)
	s.Port = getEnv("PORTER_PORT", s.Port)
	s.HealthPort = getEnv("PORTER_HEALTH_PORT", s.HealthPort)
	s.ReadTimeout = getEnvDuration("PORTER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("PORTER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("PORTER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("PORTER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("PORTER_MAX_BODY_BYTES", s.MaxBodyBytes)

	db := &c.Database
	db.Driver = getEnv("PORTER_DATABASE_DRIVER", db.Driver)
	db.URL = getEnv("PORTER_DATABASE_URL", db.URL)
	db.MaxOpenConns = getEnvInt("PORTER_DATABASE_MAX_OPEN_CONNS", db.MaxOpenConns)
	db.MaxIdleConns = getEnvInt("PORTER_DATABASE_MAX_IDLE_CONNS", db.MaxIdleConns)
	db.MaxLifetime = getEnvDuration("PORTER_DATABASE_MAX_LIFETIME", db.MaxLifetime)
	db.PingTimeout = getEnvDuration("PORTER_DATABASE_PING_TIMEOUT", db.PingTimeout)

	r := &c.Redis
	r.URL = getEnv("PORTER_REDIS_URL", r.URL)
	r.Password = getEnv("PORTER_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("PORTER_REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("PORTER_REDIS_POOL_SIZE", r.PoolSize)
	r.MaxRetries = getEnvInt("PORTER_REDIS_MAX_RETRIES", r.MaxRetries)

	c.Cache.Enabled = getEnvBool("PORTER_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Size = getEnvInt("PORTER_CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("PORTER_CACHE_TTL", c.Cache.TTL)

	c.Auth.Secret = getEnv("PORTER_AUTH_SECRET", c.Auth.Secret)
	c.Auth.Issuer = getEnv("PORTER_AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnv("PORTER_AUTH_AUDIENCE", c.Auth.Audience)
	c.Auth.Leeway = getEnvDuration("PORTER_AUTH_LEEWAY", c.Auth.Leeway)

	c.RateLimit.RequestsPerWindow = getEnvInt("PORTER_RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.Window = getEnvDuration("PORTER_RATE_LIMIT_WINDOW", c.RateLimit.Window)
	c.RateLimit.Burst = getEnvInt("PORTER_RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Invitations.TTL = getEnvDuration("PORTER_INVITATION_TTL", c.Invitations.TTL)
	c.Invitations.AcceptTokenTTL = getEnvDuration("PORTER_ACCEPT_TOKEN_TTL", c.Invitations.AcceptTokenTTL)
	c.Invitations.ExpirySchedule = getEnv("PORTER_EXPIRY_SCHEDULE", c.Invitations.ExpirySchedule)

	a := &c.Archive
	a.Enabled = getEnvBool("PORTER_ARCHIVE_ENABLED", a.Enabled)
	a.Schedule = getEnv("PORTER_ARCHIVE_SCHEDULE", a.Schedule)
	a.S3.Bucket = getEnv("PORTER_S3_BUCKET", a.S3.Bucket)
	a.S3.Prefix = getEnv("PORTER_S3_PREFIX", a.S3.Prefix)
	a.S3.Region = getEnv("PORTER_S3_REGION", a.S3.Region)
	a.S3.Endpoint = getEnv("PORTER_S3_ENDPOINT", a.S3.Endpoint)
	a.S3.AccessKey = getEnv("PORTER_S3_ACCESS_KEY", a.S3.AccessKey)
	a.S3.SecretKey = getEnv("PORTER_S3_SECRET_KEY", a.S3.SecretKey)
	a.S3.UsePathStyle = getEnvBool("PORTER_S3_USE_PATH_STYLE", a.S3.UsePathStyle)

	c.Catalog.Path = getEnv("PORTER_CATALOG_PATH", c.Catalog.Path)
	c.Catalog.Watch = getEnvBool("PORTER_CATALOG_WATCH", c.Catalog.Watch)

	o := &c.Observability
	o.LogLevel = getEnv("PORTER_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("PORTER_METRICS_ENABLED", o.MetricsEnabled)
	o.OTel.Enabled = getEnvBool("PORTER_OTEL_ENABLED", o.OTel.Enabled)
	o.OTel.Endpoint = getEnv("PORTER_OTEL_ENDPOINT", o.OTel.Endpoint)
	o.OTel.ServiceName = getEnv("PORTER_OTEL_SERVICE_NAME", o.OTel.ServiceName)
	o.OTel.ServiceVersion = getEnv("PORTER_OTEL_SERVICE_VERSION", o.OTel.ServiceVersion)
	o.OTel.Insecure = getEnvBool("PORTER_OTEL_INSECURE", o.OTel.Insecure)
	o.OTel.SampleRatio = getEnvFloat("PORTER_OTEL_SAMPLE_RATIO", o.OTel.SampleRatio)
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
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}

	if c.Cache.Enabled && !c.Redis.Enabled() && c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive when the local cache is enabled")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	if c.Invitations.TTL <= 0 {
		return fmt.Errorf("invitation ttl must be positive")
	}
	if c.Invitations.AcceptTokenTTL < 0 {
		return fmt.Errorf("accept token ttl must not be negative")
	}
	if _, err := cron.ParseStandard(c.Invitations.ExpirySchedule); err != nil {
		return fmt.Errorf("invalid invitation expiry schedule %q: %w", c.Invitations.ExpirySchedule, err)
	}

	if c.Archive.Enabled {
		if c.Archive.S3.Bucket == "" || c.Archive.S3.Region == "" {
			return fmt.Errorf("S3 bucket and region are required when the audit archive is enabled")
		}
		if _, err := cron.ParseStandard(c.Archive.Schedule); err != nil {
			return fmt.Errorf("invalid archive schedule %q: %w", c.Archive.Schedule, err)
		}
	}

	if c.Catalog.Watch && c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is required to watch the catalog")
	}

	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
