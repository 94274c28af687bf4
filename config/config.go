package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP application
	App AppConfig `mapstructure:"app"`

	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// Link store backend
	Store StoreConfig `mapstructure:"store"`

	// Resolver cache
	Cache CacheConfig `mapstructure:"cache"`

	// Click accumulator
	Clicks ClicksConfig `mapstructure:"clicks"`

	// Short code generation
	Codes CodesConfig `mapstructure:"codes"`

	// Metadata scraper
	Scraper ScraperConfig `mapstructure:"scraper"`
}

type AppConfig struct {
	Addr            string        `mapstructure:"addr"`
	Env             string        `mapstructure:"env"`
	LogLevel        string        `mapstructure:"log_level"`
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Development reports whether the app runs outside production.
func (c AppConfig) Development() bool {
	return c.Env != "production"
}

type PostgresConfig struct {
	Host              string `mapstructure:"host"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	Port              int    `mapstructure:"port"`
	SSLMode           string `mapstructure:"sslmode"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type StoreConfig struct {
	// Driver is either "postgres" or "memory".
	Driver string `mapstructure:"driver"`
}

type CacheConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxEntries     int           `mapstructure:"max_entries"`
	RedisKeyPrefix string        `mapstructure:"redis_key_prefix"`
}

type ClicksConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	MaxRetries     int           `mapstructure:"max_retries"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type CodesConfig struct {
	Length         int     `mapstructure:"length"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	FilterCapacity uint    `mapstructure:"filter_capacity"`
	FilterFPRate   float64 `mapstructure:"filter_fp_rate"`
}

type ScraperConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	// MaxBodySize caps a fetched page in bytes; larger pages get fallback metadata.
	MaxBodySize int `mapstructure:"max_body_size"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Codes.Length < 6 || c.Codes.Length > 20 {
		return fmt.Errorf("config: codes.length must be between 6 and 20, got %d", c.Codes.Length)
	}
	if c.Codes.MaxAttempts < 1 {
		return fmt.Errorf("config: codes.max_attempts must be positive")
	}
	if c.Clicks.QueueSize < 1 {
		return fmt.Errorf("config: clicks.queue_size must be positive")
	}
	if c.Clicks.FlushInterval <= 0 {
		return fmt.Errorf("config: clicks.flush_interval must be positive")
	}
	if c.App.LookupTimeout <= 0 {
		return fmt.Errorf("config: app.lookup_timeout must be positive")
	}
	// Cache invalidations are remembered for a minute; a slower lookup could
	// refill a code with what it read before the edit.
	if c.App.LookupTimeout >= time.Minute {
		return fmt.Errorf("config: app.lookup_timeout must be below 1m, got %s", c.App.LookupTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.addr", ":8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.lookup_timeout", 2*time.Second)
	v.SetDefault("app.shutdown_timeout", 10*time.Second)

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.port", 6379)

	v.SetDefault("nats.port", 4222)

	v.SetDefault("prometheus.enabled", true)
	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("store.driver", "memory")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("cache.max_entries", 100000)
	v.SetDefault("cache.redis_key_prefix", "nanolink:resolve")

	v.SetDefault("clicks.queue_size", 65536)
	v.SetDefault("clicks.flush_interval", 2*time.Second)
	v.SetDefault("clicks.flush_threshold", 512)
	v.SetDefault("clicks.max_retries", 5)
	v.SetDefault("clicks.write_timeout", 3*time.Second)
	v.SetDefault("clicks.concurrency", 8)

	v.SetDefault("codes.length", 7)
	v.SetDefault("codes.max_attempts", 5)
	v.SetDefault("codes.filter_capacity", 1000000)
	v.SetDefault("codes.filter_fp_rate", 0.01)

	v.SetDefault("scraper.timeout", 5*time.Second)
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (compatible; NanoLinkBot/1.0)")
	v.SetDefault("scraper.workers", 4)
	v.SetDefault("scraper.queue_size", 1024)
	v.SetDefault("scraper.max_body_size", 2<<20)
}

func bindEnvVars(v *viper.Viper) {
	// Application
	v.BindEnv("app.addr", "APP_ADDR")
	v.BindEnv("app.env", "APP_ENV")
	v.BindEnv("app.log_level", "LOG_LEVEL")

	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.enabled", "NATS_ENABLED")
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")

	// Prometheus
	v.BindEnv("prometheus.enabled", "PROM_ENABLED")
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Store
	v.BindEnv("store.driver", "STORE_DRIVER")
}
