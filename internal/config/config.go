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
)

// Marketplace execution modes
const (
	ModeDirect      = "direct"
	ModeRemoteAgent = "remote_agent"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Database     DatabaseConfig      `yaml:"database"`
	RabbitMQ     RabbitMQConfig      `yaml:"rabbitmq"`
	Logging      LoggingConfig       `yaml:"logging"`
	App          AppConfig           `yaml:"app"`
	Worker       WorkerConfig        `yaml:"worker"`
	Agent        AgentConfig         `yaml:"agent"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Marketplaces []MarketplaceConfig `yaml:"marketplaces"`
	Tenants      []TenantConfig      `yaml:"tenants"`
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
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Migrate applies the embedded schema on startup
	Migrate bool `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	// Enabled turns on wake-up messages and the broker event sink
	Enabled    bool             `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
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
	// PublishEvents mirrors lifecycle events to the exchange under events.<type>
	PublishEvents bool `yaml:"publish_events"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output" env:"LOG_OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENVIRONMENT"`
}

// WorkerConfig holds dispatcher and sweeper configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxRetries applies to tenants without their own limit
	MaxRetries          int           `yaml:"max_retries"`
	RetryBackoffInitial time.Duration `yaml:"retry_backoff_initial"`
	RetryBackoffMax     time.Duration `yaml:"retry_backoff_max"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	// StaleAfter is how long a running job may go without a heartbeat
	StaleAfter time.Duration `yaml:"stale_after"`
	// Retention is how long terminal work is kept; zero keeps it forever
	Retention time.Duration `yaml:"retention"`
}

// AgentConfig holds the remote agent endpoints served by the worker service
type AgentConfig struct {
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	MaxBatch     int           `yaml:"max_batch"`
	TaskDeadline time.Duration `yaml:"task_deadline"`
	// Tokens maps an agent bearer token to the tenant it acts for
	Tokens map[string]string `yaml:"tokens" env:"AGENT_TOKENS"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path"`
}

// MarketplaceConfig describes how one marketplace is reached
type MarketplaceConfig struct {
	Name string `yaml:"name"`
	// Mode is direct or remote_agent
	Mode string `yaml:"mode"`
	// BaseURL is the partner API for direct mode and the site for remote_agent mode
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is requests per second for direct calls; zero disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// TenantConfig is a seller account provisioned on startup
type TenantConfig struct {
	ID string `yaml:"id"`
	// MaxRetries overrides worker.max_retries for this tenant
	MaxRetries int `yaml:"max_retries"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// applyEnv overrides tagged fields from the environment. Marketplaces and tenants are file-only.
func (c *Config) applyEnv() error {
	sections := []interface{}{
		&c.Server, &c.Database, &c.RabbitMQ, &c.Logging,
		&c.App, &c.Worker, &c.Agent, &c.Metrics,
	}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return err
		}
	}
	return nil
}

// MarketplaceNames lists the configured marketplaces in file order
func (c *Config) MarketplaceNames() []string {
	names := make([]string, len(c.Marketplaces))
	for i, m := range c.Marketplaces {
		names[i] = m.Name
	}
	return names
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}
	if err := c.validateTenants(); err != nil {
		return err
	}
	return c.validateMarketplaces()
}

func (c *Config) validateTenants() error {
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant %q", t.ID)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("tenants[%d]: max_retries must not be negative", i)
		}
		seen[t.ID] = true
	}
	return nil
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.validateTenants(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.StaleAfter > 0 && c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be longer than heartbeat_interval")
	}

	if c.Worker.RetryBackoffMax > 0 && c.Worker.RetryBackoffMax < c.Worker.RetryBackoffInitial {
		return fmt.Errorf("worker retry_backoff_max must not be shorter than retry_backoff_initial")
	}

	if err := c.validateMarketplaces(); err != nil {
		return err
	}

	if c.hasRemoteMarketplace() {
		if len(c.Agent.Tokens) == 0 {
			return fmt.Errorf("agent tokens are required when a marketplace uses remote_agent mode")
		}
		if c.Agent.TaskDeadline > 0 && c.Agent.TaskDeadline >= c.Worker.JobTimeout {
			return fmt.Errorf("agent task_deadline must be shorter than worker job_timeout")
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
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

	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateMarketplaces() error {
	if len(c.Marketplaces) == 0 {
		return fmt.Errorf("at least one marketplace is required")
	}

	seen := make(map[string]bool, len(c.Marketplaces))
	for i, m := range c.Marketplaces {
		if m.Name == "" {
			return fmt.Errorf("marketplaces[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("marketplaces[%d]: duplicate marketplace %q", i, m.Name)
		}
		seen[m.Name] = true

		if m.Mode != ModeDirect && m.Mode != ModeRemoteAgent {
			return fmt.Errorf("marketplaces[%d]: invalid mode %q (must be %s or %s)", i, m.Mode, ModeDirect, ModeRemoteAgent)
		}
		if m.BaseURL == "" {
			return fmt.Errorf("marketplaces[%d]: base_url is required", i)
		}
	}

	return nil
}

func (c *Config) hasRemoteMarketplace() bool {
	for _, m := range c.Marketplaces {
		if m.Mode == ModeRemoteAgent {
			return true
		}
	}
	return false
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
