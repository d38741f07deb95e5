package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. JOBS_DB_PASSWORD.
	EnvPrefix = "JOBS_"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DB_"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
	App      AppConfig      `yaml:"app" envPrefix:"APP_"`
	Queue    QueueConfig    `yaml:"queue" envPrefix:"QUEUE_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
	Pool     PoolConfig     `yaml:"pool" envPrefix:"POOL_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// AutoMigrate applies the embedded schema on service startup.
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RabbitMQConfig holds the dead letter notification publisher settings.
// Nothing is published unless Enabled is set.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled" env:"ENABLED"`
	Host       string           `yaml:"host" env:"HOST"`
	Port       int              `yaml:"port" env:"PORT"`
	User       string           `yaml:"user" env:"USER"`
	Password   string           `yaml:"password" env:"PASSWORD"`
	VHost      string           `yaml:"vhost" env:"VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Queue      BindingConfig    `yaml:"queue" envPrefix:"QUEUE_"`
	RoutingKey string           `yaml:"routing_key" env:"ROUTING_KEY"`
	Connection ConnectionConfig `yaml:"connection" envPrefix:"CONNECTION_"`
	Publish    PublishConfig    `yaml:"publish" envPrefix:"PUBLISH_"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Type       string `yaml:"type" env:"TYPE"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
}

// BindingConfig describes the queue bound to the notification exchange.
type BindingConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Durable    bool   `yaml:"durable" env:"DURABLE"`
	AutoDelete bool   `yaml:"auto_delete" env:"AUTO_DELETE"`
	Exclusive  bool   `yaml:"exclusive" env:"EXCLUSIVE"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	Heartbeat         time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"TIMEOUT"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval     time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// QueueConfig holds the durable queue settings shared by every process that
// claims from the jobs table.
type QueueConfig struct {
	StaleLockTimeout   time.Duration `yaml:"stale_lock_timeout" env:"STALE_LOCK_TIMEOUT"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts" env:"DEFAULT_MAX_ATTEMPTS"`
	// WorkerID is written to locked_by. Empty selects a random UUID.
	WorkerID string `yaml:"worker_id" env:"WORKER_ID"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Queues             []string      `yaml:"queues" env:"QUEUES" envSeparator:","`
	Concurrency        int           `yaml:"concurrency" env:"CONCURRENCY"`
	JobTimeout         time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxPollRate        float64       `yaml:"max_poll_rate" env:"MAX_POLL_RATE"`
	StaleCheckInterval time.Duration `yaml:"stale_check_interval" env:"STALE_CHECK_INTERVAL"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	CompletedRetention time.Duration `yaml:"completed_retention" env:"COMPLETED_RETENTION"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// PoolConfig holds the hashing task pool settings.
type PoolConfig struct {
	// Concurrency of zero selects one worker per CPU minus one.
	Concurrency    int           `yaml:"concurrency" env:"CONCURRENCY"`
	TaskTimeout    time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	InitTimeout    time.Duration `yaml:"init_timeout" env:"INIT_TIMEOUT"`
	DisableRestart bool          `yaml:"disable_restart" env:"DISABLE_RESTART"`
}

// Load reads and parses the configuration file, then applies JOBS_*
// environment overrides and fills unset fields with defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero-valued fields that have a sensible default.
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	setDuration(&c.Queue.StaleLockTimeout, 5*time.Minute)
	if c.Queue.DefaultMaxAttempts == 0 {
		c.Queue.DefaultMaxAttempts = 3
	}

	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = []string{"hash"}
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	setDuration(&c.Worker.JobTimeout, 2*time.Minute)
	setDuration(&c.Worker.PollInterval, time.Second)
	if c.Worker.MaxPollRate == 0 {
		c.Worker.MaxPollRate = 10
	}
	setDuration(&c.Worker.StaleCheckInterval, time.Minute)
	setDuration(&c.Worker.CompletedRetention, 24*time.Hour)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "job.dead_lettered"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateQueue()
}

// ValidateWorkerConfig checks the settings the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker queues must not be empty")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	// A job still running when its lock goes stale would be claimed twice.
	if c.Worker.JobTimeout >= c.Queue.StaleLockTimeout {
		return fmt.Errorf("worker job_timeout (%s) must be less than queue stale_lock_timeout (%s)",
			c.Worker.JobTimeout, c.Queue.StaleLockTimeout)
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.MaxPollRate <= 0 {
		return fmt.Errorf("worker max_poll_rate must be greater than 0")
	}

	if c.Worker.StaleCheckInterval <= 0 {
		return fmt.Errorf("worker stale_check_interval must be greater than 0")
	}

	if c.Worker.CleanupInterval < 0 || c.Worker.CompletedRetention < 0 {
		return fmt.Errorf("worker cleanup_interval and completed_retention must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Pool.Concurrency < 0 {
		return fmt.Errorf("pool concurrency must not be negative")
	}

	if c.Pool.TaskTimeout < 0 || c.Pool.InitTimeout < 0 {
		return fmt.Errorf("pool task_timeout and init_timeout must not be negative")
	}

	return c.validateRabbitMQ()
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

func (c *Config) validateQueue() error {
	if c.Queue.StaleLockTimeout <= 0 {
		return fmt.Errorf("queue stale_lock_timeout must be greater than 0")
	}

	if c.Queue.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("queue default_max_attempts must be greater than 0")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
