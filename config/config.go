// Package config holds the TOML configuration for the Pulsar capture server.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level application configuration. Values not present in
// the config file keep the defaults from NewDefaultConfig.
type Config struct {
	DataDir string        `toml:"data_dir"` // Directory holding the SQLite database
	SMTP    SMTPConfig    `toml:"smtp"`
	HTTPAPI HTTPAPIConfig `toml:"http_api"`
	Logging LoggingConfig `toml:"logging"`
}

// SMTPConfig configures the capture listener. The listener only ever binds a
// loopback address; the port comes from the settings store and is
// reconfigurable at runtime, so it is deliberately not part of this struct.
type SMTPConfig struct {
	Host                string `toml:"host"`                  // Loopback address to bind
	Hostname            string `toml:"hostname"`              // Name announced in the SMTP greeting
	MaxConnections      int    `toml:"max_connections"`       // Simultaneous sessions
	MaxMessageSize      int64  `toml:"max_message_size"`      // Bytes; 0 disables the limit
	ShutdownGracePeriod string `toml:"shutdown_grace_period"` // e.g. "5s"
	Debug               bool   `toml:"debug"`                 // Dump protocol exchange to stdout
}

// HTTPAPIConfig configures the HTTP boundary API consumed by the
// presentation layer.
type HTTPAPIConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// LoggingConfig configures the logger package.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// NewDefaultConfig returns the application defaults.
func NewDefaultConfig() Config {
	return Config{
		DataDir: "data",
		SMTP: SMTPConfig{
			Host:                "127.0.0.1",
			Hostname:            "pulsar.localhost",
			MaxConnections:      10,
			MaxMessageSize:      25 * 1024 * 1024,
			ShutdownGracePeriod: "5s",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: true,
			Addr:  "127.0.0.1:8925",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// Load decodes the TOML file at path over cfg. A missing file is not an
// error when required is false.
func Load(path string, cfg *Config, required bool) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !required && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("parsing configuration file '%s': %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	ip := net.ParseIP(c.SMTP.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("smtp.host must be a loopback address, got '%s'", c.SMTP.Host)
	}
	if c.SMTP.MaxConnections <= 0 {
		return fmt.Errorf("smtp.max_connections must be positive, got %d", c.SMTP.MaxConnections)
	}
	if _, err := c.SMTP.GetShutdownGracePeriod(); err != nil {
		return fmt.Errorf("smtp.shutdown_grace_period: %w", err)
	}
	return nil
}

// GetShutdownGracePeriod parses the shutdown grace period.
func (s *SMTPConfig) GetShutdownGracePeriod() (time.Duration, error) {
	if s.ShutdownGracePeriod == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(s.ShutdownGracePeriod)
}

// ValidatePort reports whether value is a usable TCP port number.
func ValidatePort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("port '%s' is not a number", value)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}
