package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
	"github.com/cuongbtq/toolmeter/shared/logger"
	"github.com/cuongbtq/toolmeter/shared/postgresql"
	"github.com/cuongbtq/toolmeter/shared/rabbitmq"
	"github.com/cuongbtq/toolmeter/shared/redis"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Rate limit store backends
const (
	RateLimitBackendMemory   = "memory"
	RateLimitBackendPostgres = "postgres"
	RateLimitBackendRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	RabbitMQ  RabbitMQConfig   `yaml:"rabbitmq"`
	Redis     RedisConfig      `yaml:"redis"`
	Logging   LoggingConfig    `yaml:"logging"`
	App       AppConfig        `yaml:"app"`
	Worker    WorkerConfig     `yaml:"worker"`
	Sweeper   SweeperConfig    `yaml:"sweeper"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Billing   BillingConfig    `yaml:"billing"`
	Tools     []processor.Tool `yaml:"tools"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`

	// notices are wake-up hints; a bounded queue drops the oldest ones
	MaxLength  int           `yaml:"max_length"`
	MessageTTL time.Duration `yaml:"message_ttl"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name           string `yaml:"name"`
	Version        string `yaml:"version"`
	Environment    string `yaml:"environment" env:"APP_ENV"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id" env:"WORKER_ID"`
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClaimRate         float64       `yaml:"claim_rate"`
	ClaimBurst        int           `yaml:"claim_burst"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	Backoff           jobs.Backoff  `yaml:"backoff"`
}

// SweeperConfig holds the maintenance loop settings of the worker service
type SweeperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	SettleAfter        time.Duration `yaml:"settle_after"`
	RateLimitRetention time.Duration `yaml:"rate_limit_retention"`
	BatchSize          int           `yaml:"batch_size"`
	LockName           string        `yaml:"lock_name"`
}

// RateLimitConfig selects the counter store and carries the per-tool policies
type RateLimitConfig struct {
	Backend          string `yaml:"backend" env:"RATE_LIMIT_BACKEND"`
	KeyPrefix        string `yaml:"key_prefix"`
	ratelimit.Config `yaml:",inline"`
}

// BillingConfig holds webhook verification settings and the plan catalog
type BillingConfig struct {
	Webhook WebhookConfig  `yaml:"webhook"`
	Plans   []billing.Plan `yaml:"plans"`
}

// WebhookConfig holds the billing provider's signing settings
type WebhookConfig struct {
	Secret             string        `yaml:"secret" env:"BILLING_WEBHOOK_SECRET"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance"`
}

// Load reads the configuration file and applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// applyEnv overrides the file section by section; the tool and plan catalogs only come from the file
func applyEnv(c *Config) error {
	sections := []any{
		&c.Server,
		&c.Database,
		&c.RabbitMQ,
		&c.Redis,
		&c.Logging,
		&c.App,
		&c.Worker,
		&c.RateLimit,
		&c.Billing.Webhook,
	}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	switch c.RateLimit.Backend {
	case RateLimitBackendMemory, RateLimitBackendPostgres:
	case RateLimitBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %q", c.RateLimit.Backend)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return err
	}

	if c.Billing.Webhook.Secret == "" {
		return fmt.Errorf("billing webhook secret is required")
	}

	if _, err := c.Plans(); err != nil {
		return err
	}

	if _, err := c.Catalog(); err != nil {
		return err
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be greater than 0")
	}

	if _, err := c.Catalog(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// Catalog builds the tool catalog
func (c *Config) Catalog() (processor.Catalog, error) {
	catalog, err := processor.NewCatalog(c.Tools)
	if err != nil {
		return nil, fmt.Errorf("invalid tool catalog: %w", err)
	}
	return catalog, nil
}

// Plans builds the subscription plan catalog
func (c *Config) Plans() (billing.Plans, error) {
	plans, err := billing.NewPlans(c.Billing.Plans)
	if err != nil {
		return nil, fmt.Errorf("invalid plan catalog: %w", err)
	}
	return plans, nil
}

// LoggerConfig maps the logging section onto shared/logger
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		Output:       c.Logging.Output,
		EnableSource: c.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      c.App.Name,
	}
}

// PostgresConfig maps the database section onto shared/postgresql
func (c *Config) PostgresConfig() *postgresql.Config {
	return &postgresql.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		ApplicationName: c.App.Name,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// RabbitMQClientConfig maps the rabbitmq section onto shared/rabbitmq
func (c *Config) RabbitMQClientConfig() *rabbitmq.Config {
	r := c.RabbitMQ
	return &rabbitmq.Config{
		Host:               r.Host,
		Port:               r.Port,
		User:               r.User,
		Password:           r.Password,
		VHost:              r.VHost,
		ExchangeName:       r.Exchange.Name,
		ExchangeType:       r.Exchange.Type,
		ExchangeDurable:    r.Exchange.Durable,
		ExchangeAutoDelete: r.Exchange.AutoDelete,
		QueueName:          r.Queue.Name,
		QueueDurable:       r.Queue.Durable,
		QueueAutoDelete:    r.Queue.AutoDelete,
		QueueExclusive:     r.Queue.Exclusive,
		QueueMaxLength:     r.Queue.MaxLength,
		QueueMessageTTL:    r.Queue.MessageTTL,
		RoutingKey:         r.RoutingKey,
		RetryAttempts:      r.Connection.RetryAttempts,
		RetryInterval:      r.Connection.RetryInterval,
		Heartbeat:          r.Connection.Heartbeat,
		ConnectionTimeout:  r.Connection.ConnectionTimeout,
		PublishRetries:     r.Publish.RetryAttempts,
		PublishRetryDelay:  r.Publish.RetryInterval,
		PublishBackoffMult: r.Publish.BackoffMultiplier,
	}
}

// RedisClientConfig maps the redis section onto shared/redis
func (c *Config) RedisClientConfig() *redis.Config {
	return &redis.Config{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
	}
}
