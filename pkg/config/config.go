package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	App      AppConfig      `mapstructure:"app"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"` // requests per second per client, 0 disables
	RateBurst       int           `mapstructure:"rate_burst" validate:"gte=0"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres memory"`
	Host            string        `mapstructure:"host" validate:"required_if=Driver postgres"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"name" validate:"required_if=Driver postgres"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text console"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `mapstructure:"env"`
	Version     string `mapstructure:"version"`
	Name        string `mapstructure:"name"`
}

// EngineConfig holds workflow engine limits
type EngineConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions" validate:"gte=0"`
	ShortDelayThreshold     time.Duration `mapstructure:"short_delay_threshold"`
}

// WorkersConfig holds background worker configuration
type WorkersConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	DelayResumerInterval     time.Duration `mapstructure:"delay_resumer_interval"`
	DelayResumerBatchSize    int           `mapstructure:"delay_resumer_batch_size" validate:"gte=1"`
	DelayResumerConcurrency  int           `mapstructure:"delay_resumer_concurrency" validate:"gte=1"`
	SchedulerRefreshInterval time.Duration `mapstructure:"scheduler_refresh_interval"`
}

// MonitorConfig holds execution monitor configuration
type MonitorConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer" validate:"gte=1"`
	StatsCacheTTL    time.Duration `mapstructure:"stats_cache_ttl"`
}

// envBindings maps configuration keys to their environment variables
var envBindings = map[string]string{
	"server.host":                        "SERVER_HOST",
	"server.port":                        "SERVER_PORT",
	"server.read_timeout":                "SERVER_READ_TIMEOUT",
	"server.write_timeout":               "SERVER_WRITE_TIMEOUT",
	"server.shutdown_timeout":            "SERVER_SHUTDOWN_TIMEOUT",
	"server.allowed_origins":             "SERVER_ALLOWED_ORIGINS",
	"server.rate_limit":                  "SERVER_RATE_LIMIT",
	"server.rate_burst":                  "SERVER_RATE_BURST",
	"database.driver":                    "DB_DRIVER",
	"database.host":                      "DB_HOST",
	"database.port":                      "DB_PORT",
	"database.user":                      "DB_USER",
	"database.password":                  "DB_PASSWORD",
	"database.name":                      "DB_NAME",
	"database.sslmode":                   "DB_SSL_MODE",
	"database.max_open_conns":            "DB_MAX_OPEN_CONNS",
	"database.max_idle_conns":            "DB_MAX_IDLE_CONNS",
	"database.conn_max_lifetime":         "DB_CONN_MAX_LIFETIME",
	"database.auto_migrate":              "DB_AUTO_MIGRATE",
	"redis.enabled":                      "REDIS_ENABLED",
	"redis.host":                         "REDIS_HOST",
	"redis.port":                         "REDIS_PORT",
	"redis.password":                     "REDIS_PASSWORD",
	"redis.db":                           "REDIS_DB",
	"logger.level":                       "LOG_LEVEL",
	"logger.format":                      "LOG_FORMAT",
	"app.env":                            "APP_ENV",
	"app.version":                        "APP_VERSION",
	"app.name":                           "APP_NAME",
	"engine.max_concurrent_executions":   "ENGINE_MAX_CONCURRENT_EXECUTIONS",
	"engine.short_delay_threshold":       "ENGINE_SHORT_DELAY_THRESHOLD",
	"workers.enabled":                    "WORKERS_ENABLED",
	"workers.delay_resumer_interval":     "WORKERS_DELAY_RESUMER_INTERVAL",
	"workers.delay_resumer_batch_size":   "WORKERS_DELAY_RESUMER_BATCH_SIZE",
	"workers.delay_resumer_concurrency":  "WORKERS_DELAY_RESUMER_CONCURRENCY",
	"workers.scheduler_refresh_interval": "WORKERS_SCHEDULER_REFRESH_INTERVAL",
	"monitor.subscriber_buffer":          "MONITOR_SUBSCRIBER_BUFFER",
	"monitor.stats_cache_ttl":            "MONITOR_STATS_CACHE_TTL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "bizflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.name", "bizflow")

	v.SetDefault("engine.max_concurrent_executions", 10)
	v.SetDefault("engine.short_delay_threshold", 300*time.Second)

	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.delay_resumer_interval", 15*time.Second)
	v.SetDefault("workers.delay_resumer_batch_size", 100)
	v.SetDefault("workers.delay_resumer_concurrency", 8)
	v.SetDefault("workers.scheduler_refresh_interval", time.Minute)

	v.SetDefault("monitor.subscriber_buffer", 64)
	v.SetDefault("monitor.stats_cache_ttl", 30*time.Second)
}

// Load loads configuration from defaults and environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from defaults, an optional YAML file and
// environment variables, in increasing priority. An empty path looks for
// bizflow.yaml in the working directory and ./config, and skips the file
// when none exists.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bizflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// comma separated origins from the environment
	if len(cfg.Server.AllowedOrigins) == 1 && strings.Contains(cfg.Server.AllowedOrigins[0], ",") {
		cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid %s: %v (%s)", strings.ToLower(e.Namespace()), e.Value(), e.Tag())
		}
		return err
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsProduction reports whether the app runs in production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
