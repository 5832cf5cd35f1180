// Package config holds client configuration for drover binaries.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	droverrs "github.com/odvcencio/drover/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Config represents the complete drover client configuration
type Config struct {
	Endpoint Endpoint `yaml:"endpoint"`
	Logging  Logging  `yaml:"logging"`
	Metrics  Metrics  `yaml:"metrics"`
	Tracing  Tracing  `yaml:"tracing"`
}

// Endpoint configures the browser debugging connection.
type Endpoint struct {
	// URL is the devtools websocket URL, e.g. ws://127.0.0.1:9222/devtools/browser/<id>.
	URL            string        `yaml:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// MaxFrameSize caps inbound frame size in bytes. Zero means no limit.
	MaxFrameSize int64 `yaml:"max_frame_size"`
}

// Logging configures zerolog output.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Metrics configures the optional prometheus endpoint.
type Metrics struct {
	// ListenAddr serves /metrics when non-empty, e.g. "127.0.0.1:9464".
	ListenAddr string `yaml:"listen_addr"`
}

// Tracing configures the OpenTelemetry stdout exporter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: Endpoint{
			DialTimeout:    DefaultDialTimeout,
			CommandTimeout: DefaultCommandTimeout,
			PingInterval:   DefaultPingInterval,
		},
		Logging: Logging{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, droverrs.Wrap(err, droverrs.ErrCodeConfigLoad, "read config").WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, droverrs.Wrap(err, droverrs.ErrCodeConfigLoad, "parse config").WithContext("path", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endpoint.DialTimeout <= 0 {
		c.Endpoint.DialTimeout = DefaultDialTimeout
	}
	if c.Endpoint.CommandTimeout <= 0 {
		c.Endpoint.CommandTimeout = DefaultCommandTimeout
	}
	if c.Endpoint.PingInterval < 0 {
		c.Endpoint.PingInterval = DefaultPingInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Endpoint.URL != "" {
		u, err := url.Parse(c.Endpoint.URL)
		if err != nil {
			return droverrs.Wrap(err, droverrs.ErrCodeConfigInvalid, "endpoint url")
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return droverrs.New(droverrs.ErrCodeConfigInvalid,
				fmt.Sprintf("endpoint url scheme %q, want ws or wss", u.Scheme))
		}
	}
	if c.Endpoint.MaxFrameSize < 0 {
		return droverrs.New(droverrs.ErrCodeConfigInvalid, "endpoint max_frame_size must not be negative")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return droverrs.New(droverrs.ErrCodeConfigInvalid,
			fmt.Sprintf("logging format %q, want console or json", c.Logging.Format))
	}
	return nil
}
