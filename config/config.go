package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Logging LogConfig     `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type RelayConfig struct {
	Host                           string   `json:"host" yaml:"host"`
	Port                           int      `json:"port" yaml:"port"`
	ClientLogin                    string   `json:"clientLogin" yaml:"clientLogin"`
	ClientPasscode                 string   `json:"clientPasscode" yaml:"clientPasscode"`
	SystemLogin                    string   `json:"systemLogin" yaml:"systemLogin"`
	SystemPasscode                 string   `json:"systemPasscode" yaml:"systemPasscode"`
	SystemHeartbeatSendInterval    int64    `json:"systemHeartbeatSendInterval" yaml:"systemHeartbeatSendInterval"`       // ms; 0 disables at the relay, but Load and Default replace 0 with 10000
	SystemHeartbeatReceiveInterval int64    `json:"systemHeartbeatReceiveInterval" yaml:"systemHeartbeatReceiveInterval"` // ms; 0 disables at the relay, but Load and Default replace 0 with 10000
	VirtualHost                    string   `json:"virtualHost" yaml:"virtualHost"`
	DestinationPrefixes            []string `json:"destinationPrefixes" yaml:"destinationPrefixes"`
}

type NATSConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	URLs            []string `json:"urls" yaml:"urls"`
	ClientID        string   `json:"clientId" yaml:"clientId"`
	Username        string   `json:"username" yaml:"username"`
	Password        string   `json:"password" yaml:"password"`
	InboundSubject  string   `json:"inboundSubject" yaml:"inboundSubject"`
	OutboundSubject string   `json:"outboundSubject" yaml:"outboundSubject"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"` // debug, info, warn, error
	LogToStdout bool   `json:"logToStdout" yaml:"logToStdout"`
	LogToFile   bool   `json:"logToFile" yaml:"logToFile"`
	Directory   string `json:"directory" yaml:"directory"`
	MaxSize     int    `json:"maxSize" yaml:"maxSize"` // megabytes
	MaxAge      int    `json:"maxAge" yaml:"maxAge"`   // days
	MaxBackups  int    `json:"maxBackups" yaml:"maxBackups"`
	Compress    bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// Load reads and parses the configuration file. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&config)

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

func applyDefaults(config *Config) {
	// Set defaults for the relay
	if config.Relay.Host == "" {
		config.Relay.Host = "127.0.0.1"
	}
	if config.Relay.Port == 0 {
		config.Relay.Port = 61613
	}
	if config.Relay.ClientLogin == "" {
		config.Relay.ClientLogin = "guest"
	}
	if config.Relay.ClientPasscode == "" {
		config.Relay.ClientPasscode = "guest"
	}
	if config.Relay.SystemLogin == "" {
		config.Relay.SystemLogin = "guest"
	}
	if config.Relay.SystemPasscode == "" {
		config.Relay.SystemPasscode = "guest"
	}
	if config.Relay.SystemHeartbeatSendInterval == 0 {
		config.Relay.SystemHeartbeatSendInterval = 10000
	}
	if config.Relay.SystemHeartbeatReceiveInterval == 0 {
		config.Relay.SystemHeartbeatReceiveInterval = 10000
	}

	// Set defaults for NATS
	if config.NATS.ClientID == "" {
		config.NATS.ClientID = "stomp-relay"
	}
	if config.NATS.InboundSubject == "" {
		config.NATS.InboundSubject = "stomp.inbound"
	}
	if config.NATS.OutboundSubject == "" {
		config.NATS.OutboundSubject = "stomp.outbound"
	}

	// Set defaults for logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = 100
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = 28
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 3
	}

	// Set defaults for metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	if config.Metrics.UpdateInterval == "" {
		config.Metrics.UpdateInterval = "15s"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate relay config
	if cfg.Relay.Host == "" {
		return fmt.Errorf("relay host is required")
	}
	if cfg.Relay.Port < 1 || cfg.Relay.Port > 65535 {
		return fmt.Errorf("invalid relay port: %d", cfg.Relay.Port)
	}
	if cfg.Relay.SystemHeartbeatSendInterval < 0 {
		return fmt.Errorf("system heartbeat send interval cannot be negative")
	}
	if cfg.Relay.SystemHeartbeatReceiveInterval < 0 {
		return fmt.Errorf("system heartbeat receive interval cannot be negative")
	}
	for _, prefix := range cfg.Relay.DestinationPrefixes {
		if prefix == "" {
			return fmt.Errorf("destination prefixes cannot be empty strings")
		}
	}

	// Validate NATS config if enabled
	if cfg.NATS.Enabled {
		if len(cfg.NATS.URLs) == 0 {
			return fmt.Errorf("nats urls are required when nats is enabled")
		}
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(host string, port int, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if host != "" {
		c.Relay.Host = host
	}
	if port > 0 {
		c.Relay.Port = port
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}
