package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file
const (
	EnvAPIKey      = "DISPATCHRY_API_KEY"
	EnvStoragePath = "DISPATCHRY_STORAGE_PATH"
	EnvAMQPURL     = "DISPATCHRY_AMQP_URL"
)

// Transport types
const (
	TransportSandbox = "sandbox"
	TransportWebhook = "webhook"
	TransportSMTP    = "smtp"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Estimate  EstimateConfig  `yaml:"estimate"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// DispatchConfig contains scheduler and sender settings
type DispatchConfig struct {
	Lanes         int           `yaml:"lanes"`           // Batches allowed in sending at once (default: 1)
	PollInterval  time.Duration `yaml:"poll_interval"`   // Default: 2s
	SendTimeout   time.Duration `yaml:"send_timeout"`    // Per-recipient bound (default: 10s)
	RatePerSecond float64       `yaml:"rate_per_second"` // 0 = unthrottled
	Burst         int           `yaml:"burst"`
}

// EstimateConfig holds the constants of the completion estimate
type EstimateConfig struct {
	SplitOverhead     time.Duration `yaml:"split_overhead"`       // Default: 50ms
	PerBatchSplitCost time.Duration `yaml:"per_batch_split_cost"` // Default: 10ms
	PerMessage        time.Duration `yaml:"per_message"`          // Default: 1.5s
	BatchSpacing      time.Duration `yaml:"batch_spacing"`        // 0 = derive from per_message and poll interval
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig selects and configures the delivery channel
type TransportConfig struct {
	Type    string        `yaml:"type"` // sandbox, webhook, smtp
	Webhook WebhookConfig `yaml:"webhook"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// WebhookConfig contains HTTP gateway settings
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// SMTPConfig contains outbound SMTP relay settings
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Subject  string        `yaml:"subject"`
	Hostname string        `yaml:"hostname"`
	StartTLS bool          `yaml:"starttls"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SandboxConfig controls the capturing transport
type SandboxConfig struct {
	SimulateErrors   bool          `yaml:"simulate_errors"`
	ErrorProbability float64       `yaml:"error_probability"` // 0.0 to 1.0
	Delay            time.Duration `yaml:"delay"`

	// Redirect mode: every message goes to one test recipient through RedirectVia
	RedirectVia   string `yaml:"redirect_via"` // webhook or smtp
	RedirectPhone string `yaml:"redirect_phone"`
	RedirectEmail string `yaml:"redirect_email"`

	// Outbox retention, zero keeps everything
	Retention       time.Duration `yaml:"retention"`
	MaxMessages     int           `yaml:"max_messages"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// EventsConfig contains batch lifecycle event publishing settings
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"` // Empty disables publishing
	Exchange string `yaml:"exchange"` // Topic exchange, routing key is the event type
	Queue    string `yaml:"queue"`    // Used when no exchange is set

	BufferSize  int           `yaml:"buffer_size"`  // Events queued in memory before dropping (default: 256)
	DialTimeout time.Duration `yaml:"dial_timeout"` // Default: 5s
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text

	// Optional rotating log file, stdout when empty
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg
}

// applyEnv overrides secrets and paths from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Events.AMQPURL = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Dispatch.Lanes == 0 {
		c.Dispatch.Lanes = 1
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 2 * time.Second
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 10 * time.Second
	}
	if c.Dispatch.RatePerSecond > 0 && c.Dispatch.Burst == 0 {
		c.Dispatch.Burst = 1
	}

	if c.Estimate.SplitOverhead == 0 {
		c.Estimate.SplitOverhead = 50 * time.Millisecond
	}
	if c.Estimate.PerBatchSplitCost == 0 {
		c.Estimate.PerBatchSplitCost = 10 * time.Millisecond
	}
	if c.Estimate.PerMessage == 0 {
		c.Estimate.PerMessage = 1500 * time.Millisecond
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/dispatchry/dispatchry.db"
	}

	if c.Transport.Type == "" {
		c.Transport.Type = TransportSandbox
	}
	if c.Transport.Webhook.Timeout == 0 {
		c.Transport.Webhook.Timeout = 10 * time.Second
	}
	if c.Transport.SMTP.Port == 0 {
		c.Transport.SMTP.Port = 587
	}
	if c.Transport.SMTP.Subject == "" {
		c.Transport.SMTP.Subject = "Message"
	}
	if c.Transport.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Transport.SMTP.Hostname = hostname
	}
	if c.Transport.SMTP.Timeout == 0 {
		c.Transport.SMTP.Timeout = 30 * time.Second
	}
	if c.Transport.Sandbox.ErrorProbability == 0 {
		c.Transport.Sandbox.ErrorProbability = 0.1
	}
	if c.Transport.Sandbox.CleanupInterval == 0 {
		c.Transport.Sandbox.CleanupInterval = time.Hour
	}

	if c.Events.AMQPURL != "" && c.Events.Exchange == "" && c.Events.Queue == "" {
		c.Events.Queue = "dispatchry.events"
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 256
	}
	if c.Events.DialTimeout == 0 {
		c.Events.DialTimeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = 100
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = 5
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = 30
		}
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateDispatch(); err != nil {
		return err
	}

	if err := c.validateTransport(); err != nil {
		return err
	}

	if c.Events.AMQPURL != "" && c.Events.Exchange != "" && c.Events.Queue != "" {
		return fmt.Errorf("events.exchange and events.queue are mutually exclusive")
	}
	if c.Events.BufferSize < 0 {
		return fmt.Errorf("events.buffer_size must not be negative")
	}

	return nil
}

// validateDispatch validates scheduler and estimate settings
func (c *Config) validateDispatch() error {
	if c.Dispatch.Lanes < 1 {
		return fmt.Errorf("dispatch.lanes must be at least 1, got %d", c.Dispatch.Lanes)
	}
	if c.Dispatch.PollInterval < 0 {
		return fmt.Errorf("dispatch.poll_interval must not be negative")
	}
	if c.Dispatch.SendTimeout < 0 {
		return fmt.Errorf("dispatch.send_timeout must not be negative")
	}
	if c.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("dispatch.rate_per_second must not be negative")
	}
	if c.Estimate.PerMessage < 0 || c.Estimate.BatchSpacing < 0 {
		return fmt.Errorf("estimate durations must not be negative")
	}
	return nil
}

// validateTransport validates the selected transport
func (c *Config) validateTransport() error {
	t := c.Transport

	switch t.Type {
	case TransportSandbox:
		sb := t.Sandbox
		if sb.ErrorProbability < 0 || sb.ErrorProbability > 1 {
			return fmt.Errorf("transport.sandbox.error_probability must be between 0 and 1")
		}
		if sb.Retention < 0 || sb.MaxMessages < 0 {
			return fmt.Errorf("transport.sandbox.retention and max_messages must not be negative")
		}
		if sb.RedirectVia == "" {
			return nil
		}
		if sb.RedirectPhone == "" && sb.RedirectEmail == "" {
			return fmt.Errorf("transport.sandbox.redirect_phone or redirect_email is required when redirect_via is set")
		}
		switch sb.RedirectVia {
		case TransportWebhook:
			return c.validateWebhook()
		case TransportSMTP:
			return c.validateSMTP()
		default:
			return fmt.Errorf("transport.sandbox.redirect_via must be webhook or smtp")
		}
	case TransportWebhook:
		return c.validateWebhook()
	case TransportSMTP:
		return c.validateSMTP()
	default:
		return fmt.Errorf("invalid transport.type: %s (must be sandbox, webhook, or smtp)", t.Type)
	}
}

func (c *Config) validateWebhook() error {
	if c.Transport.Webhook.URL == "" {
		return fmt.Errorf("transport.webhook.url is required")
	}
	return nil
}

func (c *Config) validateSMTP() error {
	if c.Transport.SMTP.Host == "" {
		return fmt.Errorf("transport.smtp.host is required")
	}
	if c.Transport.SMTP.From == "" {
		return fmt.Errorf("transport.smtp.from is required")
	}
	if (c.Transport.SMTP.Username == "") != (c.Transport.SMTP.Password == "") {
		return fmt.Errorf("transport.smtp requires both username and password")
	}
	return nil
}
