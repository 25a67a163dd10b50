// Package config provides configuration management for Candy Shop.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Stream  StreamConfig  `mapstructure:"stream" yaml:"stream"`
	NATS    NATSConfig    `mapstructure:"nats" yaml:"nats"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig holds the gateway HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout" yaml:"readTimeout"`   // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout" yaml:"writeTimeout"` // in seconds
}

// AgentConfig describes the remote agent-execution server.
type AgentConfig struct {
	// BaseURL is the root of the server API, e.g. http://localhost:4096
	BaseURL string `mapstructure:"baseUrl" yaml:"baseUrl"`

	// Directory scopes requests to a project directory on the server (optional)
	Directory string `mapstructure:"directory" yaml:"directory"`

	// Username and Password enable basic auth; Token enables bearer auth.
	// Token wins when both are set.
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Token    string `mapstructure:"token" yaml:"token"`
}

// StreamConfig holds the tunables of the streaming session client.
type StreamConfig struct {
	PollIntervalMs int `mapstructure:"pollIntervalMs" yaml:"pollIntervalMs"`
	IdleDebounceMs int `mapstructure:"idleDebounceMs" yaml:"idleDebounceMs"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds" yaml:"timeoutSeconds"`
	AbortTimeoutMs int `mapstructure:"abortTimeoutMs" yaml:"abortTimeoutMs"`
	YieldEvery     int `mapstructure:"yieldEvery" yaml:"yieldEvery"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" yaml:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"outputPath" yaml:"outputPath"`
}

// TracingConfig selects the OTLP collector. An empty endpoint falls back to
// OTEL_EXPORTER_OTLP_ENDPOINT; with neither set tracing is disabled.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sampleRatio" yaml:"sampleRatio"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PollInterval returns the snapshot poll interval.
func (s *StreamConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// IdleDebounce returns the idle debounce window.
func (s *StreamConfig) IdleDebounce() time.Duration {
	return time.Duration(s.IdleDebounceMs) * time.Millisecond
}

// Timeout returns the exchange ceiling.
func (s *StreamConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// AbortTimeout returns the timeout applied to remote aborts.
func (s *StreamConfig) AbortTimeout() time.Duration {
	return time.Duration(s.AbortTimeoutMs) * time.Millisecond
}

const redacted = "REDACTED"

// Redacted returns a copy of the configuration with credentials masked.
func (c Config) Redacted() Config {
	if c.Agent.Password != "" {
		c.Agent.Password = redacted
	}
	if c.Agent.Token != "" {
		c.Agent.Token = redacted
	}
	if u, err := url.Parse(c.NATS.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			c.NATS.URL = u.String()
		}
	}
	return c
}

// YAML renders the redacted configuration in the config.yaml layout.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return out, nil
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CANDYSHOP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("agent.baseUrl", "http://localhost:4096")
	v.SetDefault("agent.directory", "")
	v.SetDefault("agent.username", "opencode")
	v.SetDefault("agent.password", "")
	v.SetDefault("agent.token", "")

	v.SetDefault("stream.pollIntervalMs", 1000)
	v.SetDefault("stream.idleDebounceMs", 600)
	v.SetDefault("stream.timeoutSeconds", 300)
	v.SetDefault("stream.abortTimeoutMs", 800)
	v.SetDefault("stream.yieldEvery", 32)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "candyshop")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CANDYSHOP_ with snake_case naming.
// The config file is config.yaml in the current directory or /etc/candyshop/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CANDYSHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars
	_ = v.BindEnv("agent.baseUrl", "CANDYSHOP_AGENT_BASE_URL", "OPENCODE_BASE_URL")
	_ = v.BindEnv("agent.password", "CANDYSHOP_AGENT_PASSWORD", "OPENCODE_SERVER_PASSWORD")
	_ = v.BindEnv("stream.pollIntervalMs", "CANDYSHOP_STREAM_POLL_INTERVAL_MS")
	_ = v.BindEnv("stream.idleDebounceMs", "CANDYSHOP_STREAM_IDLE_DEBOUNCE_MS")
	_ = v.BindEnv("stream.timeoutSeconds", "CANDYSHOP_STREAM_TIMEOUT_SECONDS")
	_ = v.BindEnv("nats.url", "CANDYSHOP_NATS_URL", "NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/candyshop/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.BaseURL == "" {
		errs = append(errs, "agent.baseUrl is required")
	} else if u, err := url.Parse(cfg.Agent.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "agent.baseUrl must be an absolute URL")
	}

	if cfg.Stream.PollIntervalMs <= 0 {
		errs = append(errs, "stream.pollIntervalMs must be positive")
	}
	if cfg.Stream.IdleDebounceMs < 0 {
		errs = append(errs, "stream.idleDebounceMs must not be negative")
	}
	if cfg.Stream.TimeoutSeconds <= 0 {
		errs = append(errs, "stream.timeoutSeconds must be positive")
	}
	if cfg.Stream.YieldEvery <= 0 {
		errs = append(errs, "stream.yieldEvery must be positive")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
