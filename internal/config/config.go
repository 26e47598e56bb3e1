package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broadcast engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Credits    CreditsConfig    `yaml:"credits"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Sending    SendingConfig    `yaml:"sending"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings. Empty URL means
// development mode: the engine runs entirely on in-memory stores.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the credit ledger and
// distributed locks. Empty address falls back to the in-memory ledger and
// PG advisory (or in-process) locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatcherConfig holds the dispatch worker settings.
type DispatcherConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	DueBatchLimit       int  `yaml:"due_batch_limit"`
	SendConcurrency     int  `yaml:"send_concurrency"`
	StuckThresholdMins  int  `yaml:"stuck_threshold_mins"`
}

// PollInterval returns the dispatch poll cadence as a duration.
func (c DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StuckThreshold returns the watchdog threshold as a duration.
func (c DispatcherConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMins) * time.Minute
}

// CreditsConfig holds credit ledger settings.
type CreditsConfig struct {
	// InitialBalance seeds new dev-mode accounts so local sends work
	// out of the box. Ignored when Redis is configured.
	InitialBalance int64 `yaml:"initial_balance"`
}

// TrackingConfig holds the engagement tracking settings.
type TrackingConfig struct {
	// QueueURL is the SQS queue for engagement events; empty means the
	// tracking endpoints apply events synchronously.
	QueueURL  string `yaml:"queue_url"`
	AWSRegion string `yaml:"aws_region"`
	// PublicBaseURL is the externally reachable prefix for tracking
	// links (pixel, click, unsubscribe).
	PublicBaseURL string `yaml:"public_base_url"`
}

// SendingConfig holds message rendering and transport settings.
type SendingConfig struct {
	CompanyName string `yaml:"company_name"`
	// Transport selects the delivery backend: "log" (development) or
	// "webhook".
	Transport  string `yaml:"transport"`
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Dispatcher.PollIntervalSeconds == 0 {
		cfg.Dispatcher.PollIntervalSeconds = 30
	}
	if cfg.Dispatcher.DueBatchLimit == 0 {
		cfg.Dispatcher.DueBatchLimit = 20
	}
	if cfg.Dispatcher.SendConcurrency == 0 {
		cfg.Dispatcher.SendConcurrency = 10
	}
	if cfg.Dispatcher.StuckThresholdMins == 0 {
		cfg.Dispatcher.StuckThresholdMins = 15
	}
	if cfg.Credits.InitialBalance == 0 {
		cfg.Credits.InitialBalance = 1000
	}
	if cfg.Tracking.AWSRegion == "" {
		cfg.Tracking.AWSRegion = "us-west-2"
	}
	if cfg.Sending.Transport == "" {
		cfg.Sending.Transport = "log"
	}
	if cfg.Sending.CompanyName == "" {
		cfg.Sending.CompanyName = "Broadcast Engine"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		// No config file is a supported setup: defaults plus env vars.
		cfg = &Config{}
		applyDefaults(cfg)
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TRACKING_QUEUE_URL"); v != "" {
		cfg.Tracking.QueueURL = v
	}
	if v := os.Getenv("TRACKING_PUBLIC_BASE_URL"); v != "" {
		cfg.Tracking.PublicBaseURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Tracking.AWSRegion = v
	}
	if v := os.Getenv("SEND_WEBHOOK_URL"); v != "" {
		cfg.Sending.WebhookURL = v
		cfg.Sending.Transport = "webhook"
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
