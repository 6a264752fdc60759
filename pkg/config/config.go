package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Audit         AuditConfig         `yaml:"audit"`
	Navigation    NavigationConfig    `yaml:"navigation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// PrincipalHeader carries the authenticated principal id set by the
	// upstream session layer.
	PrincipalHeader string `yaml:"principal_header"`
}

// DatabaseConfig holds catalog database settings
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite3
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	SeedBuiltIns    bool          `yaml:"seed_builtins"`

	// BootstrapAdmins is a comma-separated list of principals given the
	// admin role at startup when they have no record yet
	BootstrapAdmins string `yaml:"bootstrap_admins"`
}

// CacheConfig holds resolution cache settings
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // memory, redis or none
	Size      int           `yaml:"size"`
	TTL       time.Duration `yaml:"ttl"`
	RedisURL  string        `yaml:"redis_url"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	Sink        string `yaml:"sink"` // none, db, file or multi
	FilePath    string `yaml:"file_path"`
	MaxFileSize int64  `yaml:"max_file_size"`
	Buffer      int    `yaml:"buffer"`

	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"`

	ArchiveEnabled bool   `yaml:"archive_enabled"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
}

// NavigationConfig holds sidebar tree settings
type NavigationConfig struct {
	FilePath string `yaml:"file_path"`
	Watch    bool   `yaml:"watch"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
			PrincipalHeader: "X-Principal-ID",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
			SeedBuiltIns:    true,
		},
		Cache: CacheConfig{
			Backend:      "memory",
			Size:         10000,
			TTL:          5 * time.Minute,
			KeyPrefix:    "gatehouse:",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
		},
		Audit: AuditConfig{
			Sink:              "db",
			FilePath:          "/var/log/gatehouse",
			MaxFileSize:       100 * 1024 * 1024,
			Buffer:            1024,
			RetentionDays:     90,
			RetentionSchedule: "0 3 * * *",
			S3Prefix:          "audit/",
			S3Region:          "us-east-1",
		},
		Navigation: NavigationConfig{
			Watch: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "gatehouse",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig loads configuration from the optional YAML file named by
// GATEHOUSE_CONFIG_FILE and then from environment variables. Environment
// values win over the file.
func LoadConfig() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("GATEHOUSE_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Host = getEnv("GATEHOUSE_HOST", s.Host)
	s.Port = getEnv("GATEHOUSE_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("GATEHOUSE_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("GATEHOUSE_HEALTH_PORT", s.HealthPort)
	s.PrincipalHeader = getEnv("GATEHOUSE_PRINCIPAL_HEADER", s.PrincipalHeader)

	d := &cfg.Database
	d.Driver = getEnv("GATEHOUSE_DB_DRIVER", d.Driver)
	d.URL = getEnv("GATEHOUSE_DB_URL", d.URL)
	d.MaxOpenConns = getEnvInt("GATEHOUSE_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("GATEHOUSE_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("GATEHOUSE_DB_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.AutoMigrate = getEnvBool("GATEHOUSE_DB_AUTO_MIGRATE", d.AutoMigrate)
	d.SeedBuiltIns = getEnvBool("GATEHOUSE_DB_SEED_BUILTINS", d.SeedBuiltIns)
	d.BootstrapAdmins = getEnv("GATEHOUSE_BOOTSTRAP_ADMINS", d.BootstrapAdmins)

	c := &cfg.Cache
	c.Backend = getEnv("GATEHOUSE_CACHE_BACKEND", c.Backend)
	c.Size = getEnvInt("GATEHOUSE_CACHE_SIZE", c.Size)
	c.TTL = getEnvDuration("GATEHOUSE_CACHE_TTL", c.TTL)
	c.RedisURL = getEnv("GATEHOUSE_REDIS_URL", c.RedisURL)
	c.Password = getEnv("GATEHOUSE_REDIS_PASSWORD", c.Password)
	c.DB = getEnvInt("GATEHOUSE_REDIS_DB", c.DB)
	c.KeyPrefix = getEnv("GATEHOUSE_CACHE_KEY_PREFIX", c.KeyPrefix)
	c.PoolSize = getEnvInt("GATEHOUSE_REDIS_POOL_SIZE", c.PoolSize)

	a := &cfg.Audit
	a.Sink = getEnv("GATEHOUSE_AUDIT_SINK", a.Sink)
	a.FilePath = getEnv("GATEHOUSE_AUDIT_FILE_PATH", a.FilePath)
	a.MaxFileSize = getEnvInt64("GATEHOUSE_AUDIT_MAX_FILE_SIZE", a.MaxFileSize)
	a.Buffer = getEnvInt("GATEHOUSE_AUDIT_BUFFER", a.Buffer)
	a.RetentionDays = getEnvInt("GATEHOUSE_AUDIT_RETENTION_DAYS", a.RetentionDays)
	a.RetentionSchedule = getEnv("GATEHOUSE_AUDIT_RETENTION_SCHEDULE", a.RetentionSchedule)
	a.ArchiveEnabled = getEnvBool("GATEHOUSE_AUDIT_ARCHIVE_ENABLED", a.ArchiveEnabled)
	a.S3Bucket = getEnv("GATEHOUSE_AUDIT_S3_BUCKET", a.S3Bucket)
	a.S3Prefix = getEnv("GATEHOUSE_AUDIT_S3_PREFIX", a.S3Prefix)
	a.S3Region = getEnv("GATEHOUSE_AUDIT_S3_REGION", a.S3Region)
	a.S3Endpoint = getEnv("GATEHOUSE_AUDIT_S3_ENDPOINT", a.S3Endpoint)
	a.S3AccessKey = getEnv("GATEHOUSE_AUDIT_S3_ACCESS_KEY", a.S3AccessKey)
	a.S3SecretKey = getEnv("GATEHOUSE_AUDIT_S3_SECRET_KEY", a.S3SecretKey)
	a.S3UsePathStyle = getEnvBool("GATEHOUSE_AUDIT_S3_USE_PATH_STYLE", a.S3UsePathStyle)

	n := &cfg.Navigation
	n.FilePath = getEnv("GATEHOUSE_NAVIGATION_FILE", n.FilePath)
	n.Watch = getEnvBool("GATEHOUSE_NAVIGATION_WATCH", n.Watch)

	o := &cfg.Observability
	o.LogLevel = getEnv("GATEHOUSE_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("GATEHOUSE_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("GATEHOUSE_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("GATEHOUSE_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("GATEHOUSE_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("GATEHOUSE_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("GATEHOUSE_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
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
	if c.Server.PrincipalHeader == "" {
		return fmt.Errorf("principal header is required")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Backend {
	case "none":
	case "memory":
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive for memory cache")
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis, or none)", c.Cache.Backend)
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	switch c.Audit.Sink {
	case "none", "db":
	case "file", "multi":
		if c.Audit.FilePath == "" {
			return fmt.Errorf("audit file path is required for %s audit sink", c.Audit.Sink)
		}
	default:
		return fmt.Errorf("invalid audit sink: %s (must be none, db, file, or multi)", c.Audit.Sink)
	}
	if (c.Audit.Sink == "db" || c.Audit.Sink == "multi") && c.Database.Driver != "postgres" {
		return fmt.Errorf("%s audit sink requires the postgres driver", c.Audit.Sink)
	}
	if c.Audit.Buffer < 0 {
		return fmt.Errorf("audit buffer must not be negative")
	}
	if c.Audit.ArchiveEnabled && c.Audit.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when audit archiving is enabled")
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
