package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	dbconfig "schoolhub/pkg/database"
)

// EnvPrefix namespaces environment overrides, e.g. SCHOOLHUB_HTTP_PORT
const EnvPrefix = "SCHOOLHUB"

const defaultSecret = "change-me"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	App          *AppConfig          `mapstructure:"app"`
	Database     *DatabaseConfig     `mapstructure:"database"`
	HTTP         *HTTPConfig         `mapstructure:"http"`
	WebSocket    *WebSocketConfig    `mapstructure:"websocket"`
	Auth         *AuthConfig         `mapstructure:"auth"`
	Media        *MediaConfig        `mapstructure:"media"`
	Router       *RouterConfig       `mapstructure:"router"`
	Scheduler    *SchedulerConfig    `mapstructure:"scheduler"`
	Notification *NotificationConfig `mapstructure:"notification"`
	Queue        *QueueConfig        `mapstructure:"queue"`
	RabbitMQ     *RabbitMQConfig     `mapstructure:"rabbitmq"`
}

type AppConfig struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

type DatabaseConfig struct {
	Path           string        `mapstructure:"path"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Host         string        `mapstructure:"host"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration optimized for classroom scenarios
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type MediaConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	BaseURL  string        `mapstructure:"base_url"`
}

type RouterConfig struct {
	RateLimit int `mapstructure:"rate_limit"`
}

type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PastBuffer     time.Duration `mapstructure:"past_buffer"`
	Workers        int           `mapstructure:"workers"`
	Lease          time.Duration `mapstructure:"lease"`
}

type NotificationConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type QueueConfig struct {
	Driver string `mapstructure:"driver"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

// Queue drivers
const (
	QueueDriverSQLite   = "sqlite"
	QueueDriverRabbitMQ = "rabbitmq"
)

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
func DefaultConfig() *Config {
	return &Config{
		App: &AppConfig{
			Environment: "develop",
			LogLevel:    "info",
		},
		Database: &DatabaseConfig{
			Path:           "./data/schoolhub.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{
			Secret:   defaultSecret,
			TokenTTL: 24 * time.Hour,
		},
		Media: &MediaConfig{
			Secret:   defaultSecret,
			TokenTTL: 2 * time.Hour,
		},
		Router: &RouterConfig{
			RateLimit: 100,
		},
		Scheduler: &SchedulerConfig{
			PollInterval:   time.Second,
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     time.Minute,
			PastBuffer:     5 * time.Second,
			Workers:        4,
			Lease:          2 * time.Minute,
		},
		Notification: &NotificationConfig{
			SweepInterval: time.Minute,
			BatchSize:     200,
		},
		Queue: &QueueConfig{
			Driver: QueueDriverSQLite,
		},
		RabbitMQ: &RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Pass:     "guest",
			Exchange: "schoolhub.jobs",
			Queue:    "schoolhub.session-start",
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.App == nil || c.Database == nil || c.HTTP == nil || c.WebSocket == nil ||
		c.Auth == nil || c.Media == nil || c.Router == nil || c.Scheduler == nil ||
		c.Notification == nil || c.Queue == nil || c.RabbitMQ == nil {
		return errors.New("all configuration sections are required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth.Secret == "" || c.Media.Secret == "" {
		return fmt.Errorf("auth and media secrets cannot be empty")
	}
	if c.IsProduction() && (c.Auth.Secret == defaultSecret || c.Media.Secret == defaultSecret) {
		return fmt.Errorf("default secrets are not allowed in production")
	}
	if c.Auth.TokenTTL <= 0 || c.Media.TokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}

	if c.Router.RateLimit <= 0 {
		return fmt.Errorf("router rate limit must be positive")
	}

	s := c.Scheduler
	if s.PollInterval <= 0 || s.Lease <= 0 {
		return fmt.Errorf("scheduler poll interval and lease must be positive")
	}
	if s.MaxAttempts <= 0 || s.Workers <= 0 {
		return fmt.Errorf("scheduler max attempts and workers must be positive")
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		return fmt.Errorf("scheduler backoff must satisfy 0 < initial <= max")
	}
	if s.PastBuffer < 0 {
		return fmt.Errorf("scheduler past buffer cannot be negative")
	}

	if c.Notification.SweepInterval <= 0 || c.Notification.BatchSize <= 0 {
		return fmt.Errorf("notification sweep interval and batch size must be positive")
	}

	switch c.Queue.Driver {
	case QueueDriverSQLite:
	case QueueDriverRabbitMQ:
		if c.RabbitMQ.Host == "" || c.RabbitMQ.Queue == "" || c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("rabbitmq host, exchange and queue are required")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Environment, "production")
}

// Store converts the database section for the persistence layer
func (c *DatabaseConfig) Store() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.DatabasePath = c.Path
	store.MaxConnections = c.MaxConnections
	store.BusyTimeout = c.Timeout
	return store
}

// Load builds the configuration with precedence env > file > .env > defaults
// FUNCTIONAL DISCOVERY: godotenv never overrides variables already in the
// environment, so an exported variable still beats the .env file
func Load(configFile string, dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, path := range dotenvFiles {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it during Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]interface{}{
		"app.environment": d.App.Environment,
		"app.log_level":   d.App.LogLevel,

		"database.path":            d.Database.Path,
		"database.timeout":         d.Database.Timeout,
		"database.max_connections": d.Database.MaxConnections,

		"http.port":          d.HTTP.Port,
		"http.host":          d.HTTP.Host,
		"http.read_timeout":  d.HTTP.ReadTimeout,
		"http.write_timeout": d.HTTP.WriteTimeout,

		"websocket.ping_interval": d.WebSocket.PingInterval,
		"websocket.read_timeout":  d.WebSocket.ReadTimeout,
		"websocket.write_timeout": d.WebSocket.WriteTimeout,
		"websocket.buffer_size":   d.WebSocket.BufferSize,

		"auth.secret":     d.Auth.Secret,
		"auth.token_ttl":  d.Auth.TokenTTL,
		"media.secret":    d.Media.Secret,
		"media.token_ttl": d.Media.TokenTTL,
		"media.base_url":  d.Media.BaseURL,

		"router.rate_limit": d.Router.RateLimit,

		"scheduler.poll_interval":   d.Scheduler.PollInterval,
		"scheduler.max_attempts":    d.Scheduler.MaxAttempts,
		"scheduler.initial_backoff": d.Scheduler.InitialBackoff,
		"scheduler.max_backoff":     d.Scheduler.MaxBackoff,
		"scheduler.past_buffer":     d.Scheduler.PastBuffer,
		"scheduler.workers":         d.Scheduler.Workers,
		"scheduler.lease":           d.Scheduler.Lease,

		"notification.sweep_interval": d.Notification.SweepInterval,
		"notification.batch_size":     d.Notification.BatchSize,

		"queue.driver": d.Queue.Driver,

		"rabbitmq.host":     d.RabbitMQ.Host,
		"rabbitmq.port":     d.RabbitMQ.Port,
		"rabbitmq.user":     d.RabbitMQ.User,
		"rabbitmq.pass":     d.RabbitMQ.Pass,
		"rabbitmq.exchange": d.RabbitMQ.Exchange,
		"rabbitmq.queue":    d.RabbitMQ.Queue,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
