// Package config provides configuration management for bunbase.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the bunbase server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Dev controls whether internal error messages are returned to clients.
	Dev bool `yaml:"dev"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds; must exceed the SSE idle timeout or be 0
}

// DatabaseConfig represents the embedded database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig represents the file storage configuration.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig represents token signing and bootstrap configuration.
type AuthConfig struct {
	// JWTSecret signs all tokens. Required; startup fails when empty.
	// Recommended to set via BUNBASE_JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret"`
	// AdminEmail is the bootstrap admin account email.
	AdminEmail string `yaml:"admin_email"`
	// AdminPassword is the bootstrap admin password. When empty a random
	// password is generated at first startup and logged once.
	AdminPassword string `yaml:"admin_password"`
}

// RealtimeConfig represents SSE connection housekeeping configuration.
type RealtimeConfig struct {
	HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8090,
			ReadTimeout: 30,
			// SSE streams are long-lived; 0 disables the write deadline.
			WriteTimeout: 0,
		},
		Database: DatabaseConfig{
			Path: "data/bunbase.db",
		},
		Storage: StorageConfig{
			Path: "data/storage",
		},
		Auth: AuthConfig{
			AdminEmail: "admin@bunbase.local",
		},
		Realtime: RealtimeConfig{
			HeartbeatSeconds:   30,
			IdleTimeoutSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUNBASE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BUNBASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BUNBASE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BUNBASE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("BUNBASE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("BUNBASE_ADMIN_EMAIL"); v != "" {
		c.Auth.AdminEmail = v
	}
	if v := os.Getenv("BUNBASE_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := os.Getenv("BUNBASE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BUNBASE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("BUNBASE_DEV"); v != "" {
		c.Dev = strings.ToLower(v) == "true" || v == "1"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (set BUNBASE_JWT_SECRET)")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Realtime.HeartbeatSeconds <= 0 {
		return fmt.Errorf("invalid realtime heartbeat: %d", c.Realtime.HeartbeatSeconds)
	}
	if c.Realtime.IdleTimeoutSeconds <= c.Realtime.HeartbeatSeconds {
		return errors.New("realtime idle timeout must exceed the heartbeat interval")
	}
	return nil
}

// Address returns the host:port address for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AbsStoragePath returns the storage root resolved to an absolute path.
func (c *Config) AbsStoragePath() (string, error) {
	return filepath.Abs(c.Storage.Path)
}

// AbsDatabasePath returns the database file resolved to an absolute path.
func (c *Config) AbsDatabasePath() (string, error) {
	return filepath.Abs(c.Database.Path)
}
