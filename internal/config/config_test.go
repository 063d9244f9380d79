package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "toolmeter_db", cfg.Database.Database)
				assert.Equal(t, "toolmeter_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, 8, cfg.RabbitMQ.Consumer.PrefetchCount)
				assert.Equal(t, "toolmeter-api", cfg.App.Name)
				assert.Equal(t, 2*time.Second, cfg.Worker.Backoff.Base)
				assert.Equal(t, RateLimitBackendRedis, cfg.RateLimit.Backend)
				assert.Equal(t, ratelimit.Limits{Limit: 5, Window: "1d"}, cfg.RateLimit.Default.Anonymous)
				assert.Equal(t, 20, cfg.RateLimit.PolicyFor("document-analysis").Authenticated.Limit)
				assert.Equal(t, []billing.Plan{{ID: "basic", IncludedCredits: 1000}, {ID: "pro", IncludedCredits: 10000}}, cfg.Billing.Plans)
				require.Len(t, cfg.Tools, 3)
				assert.True(t, cfg.Tools[2].Anonymous)
				assert.Equal(t, 30*time.Second, cfg.Tools[2].Timeout)
			}
		})
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("RATE_LIMIT_BACKEND", "postgres")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "whsec_env", cfg.Billing.Webhook.Secret)
	assert.Equal(t, RateLimitBackendPostgres, cfg.RateLimit.Backend)
	// untouched values keep the file's setting
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "toolmeter", cfg.Database.User)
	assert.Equal(t, 5*time.Minute, cfg.Billing.Webhook.SignatureTolerance)
	assert.Len(t, cfg.Tools, 3)
	assert.Len(t, cfg.RateLimit.Tools, 1)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "toolmeter_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "toolmeter_exchange"},
			Queue:    QueueConfig{Name: "tool_jobs"},
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			PollInterval:      time.Second,
			HeartbeatInterval: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend: RateLimitBackendMemory,
			Config: ratelimit.Config{
				Default: ratelimit.Policy{
					Authenticated: ratelimit.Limits{Limit: 10, Window: "1h"},
					Anonymous:     ratelimit.Limits{Limit: 1, Window: "1d"},
				},
			},
		},
		Billing: BillingConfig{
			Webhook: WebhookConfig{Secret: "whsec_test"},
			Plans:   []billing.Plan{{ID: "basic", IncludedCredits: 100}},
		},
		Tools: []processor.Tool{
			{Slug: "text-analysis", BaseCost: 1, MaxAttempts: 1, TTL: time.Hour, Timeout: time.Minute},
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "unknown rate limit backend",
			mutate:    func(c *Config) { c.RateLimit.Backend = "memcached" },
			errString: "invalid rate limit backend",
		},
		{
			name:      "redis backend without addr",
			mutate:    func(c *Config) { c.RateLimit.Backend = RateLimitBackendRedis },
			errString: "redis addr is required",
		},
		{
			name:      "bad window spec",
			mutate:    func(c *Config) { c.RateLimit.Default.Anonymous.Window = "1y" },
			errString: "rate limit default.anonymous",
		},
		{
			name:      "missing webhook secret",
			mutate:    func(c *Config) { c.Billing.Webhook.Secret = "" },
			errString: "billing webhook secret is required",
		},
		{
			name:      "duplicate plan",
			mutate:    func(c *Config) { c.Billing.Plans = append(c.Billing.Plans, c.Billing.Plans[0]) },
			errString: "invalid plan catalog",
		},
		{
			name:      "tool without ttl",
			mutate:    func(c *Config) { c.Tools[0].TTL = 0 },
			errString: "invalid tool catalog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero poll interval",
			mutate:    func(c *Config) { c.Worker.PollInterval = 0 },
			errString: "worker poll_interval must be greater than 0",
		},
		{
			name:      "zero heartbeat interval",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = 0 },
			errString: "worker heartbeat_interval must be greater than 0",
		},
		{
			name:      "zero shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			errString: "worker shutdown_timeout must be greater than 0",
		},
		{
			name: "enabled sweeper without interval",
			mutate: func(c *Config) {
				c.Sweeper.Enabled = true
			},
			errString: "sweeper interval must be greater than 0",
		},
		{
			name:      "server port is not checked",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	require.NoError(t, cfg.ValidateAPIConfig())
	require.NoError(t, cfg.ValidateWorkerConfig())

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{"document-analysis", "text-analysis", "transcript-analysis"}, catalog.Slugs())

	plans, err := cfg.Plans()
	require.NoError(t, err)
	assert.Equal(t, int64(10000), plans["pro"].IncludedCredits)
}

func TestClientConfigs(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	pg := cfg.PostgresConfig()
	assert.Equal(t, "host=localhost port=5432 user=toolmeter password=toolmeter dbname=toolmeter_db sslmode=disable application_name=toolmeter-api connect_timeout=5", pg.DSN())
	assert.Equal(t, 20, pg.MaxOpenConns)

	mq := cfg.RabbitMQClientConfig()
	assert.Equal(t, "tool_jobs", mq.QueueName)
	assert.Equal(t, "job.available", mq.RoutingKey)
	assert.Equal(t, 2.0, mq.PublishBackoffMult)
	assert.Equal(t, 10000, mq.QueueMaxLength)
	assert.Equal(t, 10*time.Minute, mq.QueueMessageTTL)

	assert.Equal(t, "localhost:6379", cfg.RedisClientConfig().Addr)
	assert.Equal(t, "json", cfg.LoggerConfig().Format)
	assert.Equal(t, "toolmeter-api", cfg.LoggerConfig().Service)
}
