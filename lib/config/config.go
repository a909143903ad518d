// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// FallbackManagerPort is where the manager listens when no database
// port is configured.
const FallbackManagerPort = 13679

// managerPortOffset is the distance between the database port and the
// manager port.
const managerPortOffset = 2

// Config is the configuration of one host process's manager connection.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Manager locates the manager process.
	Manager ManagerConfig `yaml:"manager"`

	// Process identifies this process to the manager.
	Process ProcessConfig `yaml:"process"`

	// Link tunes message relay over ext links.
	Link LinkConfig `yaml:"link"`

	// Timeouts bounds every wait the connection performs.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the fields an environment section may
// override.
type ConfigOverrides struct {
	Manager *ManagerConfig `yaml:"manager,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// ManagerConfig locates the manager.
type ManagerConfig struct {
	// DatabaseHost is the host of the platform database. The manager
	// runs on the same host. Empty means localhost.
	DatabaseHost string `yaml:"database_host"`

	// DatabasePort is the database port; the manager listens at
	// DatabasePort+2. Zero selects FallbackManagerPort on localhost.
	DatabasePort int `yaml:"database_port"`

	// Address, when set, is used verbatim instead of the derived
	// address.
	Address string `yaml:"address"`
}

// ResolveAddress returns the host:port of the manager.
func (m ManagerConfig) ResolveAddress() string {
	if m.Address != "" {
		return m.Address
	}
	if m.DatabasePort == 0 {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(FallbackManagerPort))
	}
	host := m.DatabaseHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(m.DatabasePort+managerPortOffset))
}

// ProcessConfig identifies the process.
type ProcessConfig struct {
	// Code is the process code offered in the handshake. Zero asks the
	// manager to assign one.
	Code uint64 `yaml:"code"`

	// DisplayName is shown in the manager's process list. Empty means
	// the binary name and version.
	DisplayName string `yaml:"display_name"`
}

// LinkConfig tunes ext-link message relay.
type LinkConfig struct {
	// Compression is applied to message bodies above the threshold:
	// "none", "lz4", or "zstd".
	Compression string `yaml:"compression"`

	// CompressionThreshold is the body size in bytes below which
	// bodies are sent uncompressed.
	CompressionThreshold int `yaml:"compression_threshold"`

	// MaxMessageSize bounds a reassembled inbound message. Larger
	// messages are a protocol violation and close the link.
	MaxMessageSize int `yaml:"max_message_size"`
}

// TimeoutsConfig holds Go duration strings ("10s", "500ms").
type TimeoutsConfig struct {
	Handshake     string `yaml:"handshake"`
	ConnectWait   string `yaml:"connect_wait"`
	DebugInitWait string `yaml:"debug_init_wait"`
	Drain         string `yaml:"drain"`
	Reconnect     string `yaml:"reconnect"`
}

// Timeouts is TimeoutsConfig parsed.
type Timeouts struct {
	Handshake     time.Duration
	ConnectWait   time.Duration
	DebugInitWait time.Duration
	Drain         time.Duration
	Reconnect     time.Duration
}

// Parse converts the duration strings.
func (t TimeoutsConfig) Parse() (Timeouts, error) {
	var parsed Timeouts
	var errs []error
	for _, field := range []struct {
		name   string
		value  string
		target *time.Duration
	}{
		{"timeouts.handshake", t.Handshake, &parsed.Handshake},
		{"timeouts.connect_wait", t.ConnectWait, &parsed.ConnectWait},
		{"timeouts.debug_init_wait", t.DebugInitWait, &parsed.DebugInitWait},
		{"timeouts.drain", t.Drain, &parsed.Drain},
		{"timeouts.reconnect", t.Reconnect, &parsed.Reconnect},
	} {
		duration, err := time.ParseDuration(field.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
			continue
		}
		if duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field.name, field.value))
			continue
		}
		*field.target = duration
	}
	return parsed, errors.Join(errs...)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// SlogLevel returns the slog level for Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Default returns the configuration used as the base before a file is
// loaded.
func Default() *Config {
	return &Config{
		Environment: Development,
		Link: LinkConfig{
			Compression:          "lz4",
			CompressionThreshold: 64 * 1024,
			MaxMessageSize:       64 << 20,
		},
		Timeouts: TimeoutsConfig{
			Handshake:     "10s",
			ConnectWait:   "3s",
			DebugInitWait: "3s",
			Drain:         "3s",
			Reconnect:     "2s",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load loads configuration from the file named by HOSTRUNTIME_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("HOSTRUNTIME_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HOSTRUNTIME_CONFIG environment variable not set; " +
			"set it to the path of the runtime config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Manager != nil {
		if overrides.Manager.DatabaseHost != "" {
			c.Manager.DatabaseHost = overrides.Manager.DatabaseHost
		}
		if overrides.Manager.DatabasePort != 0 {
			c.Manager.DatabasePort = overrides.Manager.DatabasePort
		}
		if overrides.Manager.Address != "" {
			c.Manager.Address = overrides.Manager.Address
		}
	}
	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	if hostname, err := os.Hostname(); err == nil {
		vars["HOSTNAME"] = hostname
	}
	c.Manager.DatabaseHost = expandVars(c.Manager.DatabaseHost, vars)
	c.Manager.Address = expandVars(c.Manager.Address, vars)
	c.Process.DisplayName = expandVars(c.Process.DisplayName, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Manager.DatabasePort < 0 || c.Manager.DatabasePort > 65535-managerPortOffset {
		errs = append(errs, fmt.Errorf("manager.database_port out of range: %d", c.Manager.DatabasePort))
	}
	if c.Manager.Address != "" {
		if _, _, err := net.SplitHostPort(c.Manager.Address); err != nil {
			errs = append(errs, fmt.Errorf("manager.address: %w", err))
		}
	}
	switch c.Link.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("link.compression must be one of none, lz4, zstd; got %q", c.Link.Compression))
	}
	if c.Link.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("link.compression_threshold must not be negative"))
	}
	if c.Link.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("link.max_message_size must be positive"))
	}
	if _, err := c.Timeouts.Parse(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
