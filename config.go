package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/scatter-server/scatter/internal/auth"
	"github.com/scatter-server/scatter/internal/notifier"
)

// Config holds the flat server configuration. Structured sections
// (event targets, authenticator trees) come from the YAML file named by
// SCATTER_CONFIG_FILE.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"SCATTER_ADDR" envDefault:":3002"`
	Endpoint string `env:"SCATTER_ENDPOINT" envDefault:"/chat"`
	Workers  int    `env:"SCATTER_WORKERS" envDefault:"0"` // 0 = GOMAXPROCS

	// Liveness
	WatchdogEnabled  bool          `env:"SCATTER_WATCHDOG_ENABLED" envDefault:"true"`
	WatchdogInterval time.Duration `env:"SCATTER_WATCHDOG_INTERVAL" envDefault:"60s"`
	IdleTimeout      time.Duration `env:"SCATTER_IDLE_TIMEOUT" envDefault:"0"`

	// Message policy
	MaxMessageSize   string   `env:"SCATTER_MAX_MESSAGE_SIZE" envDefault:"10M"`
	DeliveryStatus   bool     `env:"SCATTER_DELIVERY_STATUS" envDefault:"false"`
	SendBack         bool     `env:"SCATTER_SEND_BACK" envDefault:"false"`
	SendBackIgnore   []string `env:"SCATTER_SEND_BACK_IGNORE" envSeparator:","`
	UndeliveredQueue bool     `env:"SCATTER_UNDELIVERED_QUEUE" envDefault:"true"`
	PreserveIDs      bool     `env:"SCATTER_PRESERVE_IDS" envDefault:"false"`
	MessageRate      float64  `env:"SCATTER_MESSAGE_RATE" envDefault:"0"`

	// Event notifier
	EventEnabled       bool          `env:"SCATTER_EVENT_ENABLED" envDefault:"false"`
	EventRetry         bool          `env:"SCATTER_EVENT_RETRY" envDefault:"true"`
	EventRetryInterval time.Duration `env:"SCATTER_EVENT_RETRY_INTERVAL" envDefault:"30s"`
	EventRetryCount    int           `env:"SCATTER_EVENT_RETRY_COUNT" envDefault:"3"`
	EventWorkers       int           `env:"SCATTER_EVENT_WORKERS" envDefault:"4"`
	EventSendBot       bool          `env:"SCATTER_EVENT_SEND_BOT" envDefault:"false"`
	EventIgnoreTypes   []string      `env:"SCATTER_EVENT_IGNORE_TYPES" envSeparator:","`

	// Structured config file (optional)
	ConfigFile string `env:"SCATTER_CONFIG_FILE" envDefault:"scatter.yaml"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Sections decoded from the config file.
	Auth    auth.Spec               `env:"-"`
	Targets []notifier.TargetConfig `env:"-"`

	maxMessageBytes int64
}

// LoadConfig reads configuration from .env, environment variables, and
// the structured YAML file. Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile reads the event-target and authenticator sections. The file
// is optional at the default path; an explicitly named file must exist.
func (c *Config) loadFile() error {
	if c.ConfigFile == "" {
		return nil
	}
	if _, err := os.Stat(c.ConfigFile); os.IsNotExist(err) {
		if c.ConfigFile == "scatter.yaml" {
			return nil
		}
		return fmt.Errorf("config file %s does not exist", c.ConfigFile)
	}

	v := viper.New()
	v.SetConfigFile(c.ConfigFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", c.ConfigFile, err)
	}
	if err := v.UnmarshalKey("server.auth", &c.Auth); err != nil {
		return fmt.Errorf("decoding server.auth: %w", err)
	}
	if err := v.UnmarshalKey("event.targets", &c.Targets); err != nil {
		return fmt.Errorf("decoding event.targets: %w", err)
	}
	return nil
}

// Validate checks configuration for errors. Called at startup; any
// failure is fatal.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SCATTER_ADDR is required")
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		return fmt.Errorf("SCATTER_ENDPOINT must start with /, got %q", c.Endpoint)
	}

	size, err := ParseSize(c.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("SCATTER_MAX_MESSAGE_SIZE: %w", err)
	}
	c.maxMessageBytes = size

	if c.EventRetryCount < 1 {
		return fmt.Errorf("SCATTER_EVENT_RETRY_COUNT must be > 0, got %d", c.EventRetryCount)
	}
	if c.EventWorkers < 1 {
		return fmt.Errorf("SCATTER_EVENT_WORKERS must be > 0, got %d", c.EventWorkers)
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("SCATTER_WATCHDOG_INTERVAL must be positive, got %s", c.WatchdogInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// MaxMessageBytes returns the parsed SCATTER_MAX_MESSAGE_SIZE.
func (c *Config) MaxMessageBytes() int64 { return c.maxMessageBytes }

// ParseSize parses a size string like "10M", "500K", or "1048576".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'K':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'M':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 'G':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must not be negative")
	}
	return n * multiplier, nil
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("endpoint", c.Endpoint).
		Int("workers", c.Workers).
		Bool("watchdog", c.WatchdogEnabled).
		Dur("watchdog_interval", c.WatchdogInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Int64("max_message_bytes", c.maxMessageBytes).
		Bool("delivery_status", c.DeliveryStatus).
		Bool("send_back", c.SendBack).
		Bool("undelivered_queue", c.UndeliveredQueue).
		Float64("message_rate", c.MessageRate).
		Bool("event_enabled", c.EventEnabled).
		Bool("event_retry", c.EventRetry).
		Dur("event_retry_interval", c.EventRetryInterval).
		Int("event_retry_count", c.EventRetryCount).
		Int("event_workers", c.EventWorkers).
		Int("event_targets", len(c.Targets)).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
