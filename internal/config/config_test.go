package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.True(t, cfg.Database.AutoMigrate)
				assert.True(t, cfg.RabbitMQ.Enabled)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "archive-jobs", cfg.App.Name)
				assert.Equal(t, 5*time.Minute, cfg.Queue.StaleLockTimeout)
				assert.Equal(t, []string{"hash"}, cfg.Worker.Queues)
				assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout)
				assert.Equal(t, 2, cfg.Pool.Concurrency)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StaleLockTimeout)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, []string{"hash"}, cfg.Worker.Queues)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, float64(10), cfg.Worker.MaxPollRate)
	assert.Zero(t, cfg.Worker.CleanupInterval)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "job.dead_lettered", cfg.RabbitMQ.RoutingKey)

	require.NoError(t, cfg.ValidateAPIConfig())
	require.NoError(t, cfg.ValidateWorkerConfig())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOBS_DB_HOST", "db.internal")
	t.Setenv("JOBS_DB_PASSWORD", "s3cret")
	t.Setenv("JOBS_SERVER_PORT", "9999")
	t.Setenv("JOBS_WORKER_QUEUES", "hash,thumbnail")
	t.Setenv("JOBS_WORKER_JOB_TIMEOUT", "90s")
	t.Setenv("JOBS_RABBITMQ_ENABLED", "false")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"hash", "thumbnail"}, cfg.Worker.Queues)
	assert.Equal(t, 90*time.Second, cfg.Worker.JobTimeout)
	assert.False(t, cfg.RabbitMQ.Enabled)
	// Untouched by the environment.
	assert.Equal(t, "jobs_db", cfg.Database.Database)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("JOBS_SERVER_PORT", "not-a-number")

	cfg, err := Load("testdata/valid_config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply environment overrides")
	assert.Nil(t, cfg)
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
	}
	cfg.ApplyDefaults()
	return cfg
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
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = -1 },
			errString: "invalid database port",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "non-positive max attempts",
			mutate:    func(c *Config) { c.Queue.DefaultMaxAttempts = -2 },
			errString: "default_max_attempts",
		},
		{
			name:      "rabbitmq is not checked by the api",
			mutate:    func(c *Config) { c.RabbitMQ.Enabled = true },
			errString: "",
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
	enableRabbit := func(c *Config) {
		c.RabbitMQ.Enabled = true
		c.RabbitMQ.Host = "localhost"
		c.RabbitMQ.Port = 5672
		c.RabbitMQ.Exchange.Name = "jobs_exchange"
	}

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
			name:   "valid config with rabbitmq",
			mutate: enableRabbit,
		},
		{
			name:      "server port is not checked by the worker",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "no queues",
			mutate:    func(c *Config) { c.Worker.Queues = nil },
			errString: "worker queues must not be empty",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = -1 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name: "job timeout reaches stale lock timeout",
			mutate: func(c *Config) {
				c.Worker.JobTimeout = 10 * time.Minute
				c.Queue.StaleLockTimeout = 10 * time.Minute
			},
			errString: "must be less than queue stale_lock_timeout",
		},
		{
			name:      "negative poll rate",
			mutate:    func(c *Config) { c.Worker.MaxPollRate = -1 },
			errString: "max_poll_rate",
		},
		{
			name:      "negative retention",
			mutate:    func(c *Config) { c.Worker.CompletedRetention = -time.Hour },
			errString: "must not be negative",
		},
		{
			name:      "negative pool concurrency",
			mutate:    func(c *Config) { c.Pool.Concurrency = -1 },
			errString: "pool concurrency must not be negative",
		},
		{
			name: "enabled rabbitmq without host",
			mutate: func(c *Config) {
				enableRabbit(c)
				c.RabbitMQ.Host = ""
			},
			errString: "rabbitmq host is required",
		},
		{
			name: "enabled rabbitmq with bad port",
			mutate: func(c *Config) {
				enableRabbit(c)
				c.RabbitMQ.Port = 0
			},
			errString: "invalid rabbitmq port",
		},
		{
			name: "enabled rabbitmq without exchange",
			mutate: func(c *Config) {
				enableRabbit(c)
				c.RabbitMQ.Exchange.Name = ""
			},
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "disabled rabbitmq skips its checks",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "",
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
