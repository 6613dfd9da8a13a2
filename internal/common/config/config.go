// Package config provides configuration management for devboard.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for devboard.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	ServiceName  string `mapstructure:"serviceName"`
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds issue execution engine configuration.
type EngineConfig struct {
	// MaxConcurrentExecutions bounds how many agent subprocesses may run at once.
	MaxConcurrentExecutions int `mapstructure:"maxConcurrentExecutions"`

	// LogExecutorIO enables debug logging of raw agent stdout/stderr lines.
	LogExecutorIO bool `mapstructure:"logExecutorIo"`

	// WorktreeBasePath is the base directory for issue worktrees.
	WorktreeBasePath string `mapstructure:"worktreeBasePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVBOARD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.serviceName", "devboard")

	// Database defaults
	v.SetDefault("database.path", "devboard.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.maxConcurrentExecutions", 5)
	v.SetDefault("engine.logExecutorIo", false)
	v.SetDefault("engine.worktreeBasePath", "~/.devboard/worktrees")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVBOARD_ with snake_case naming; the
// historical flat variables (DB_PATH, API_HOST, API_PORT, ...) are also honored.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env vars consumed by deployments.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so keys
	// where env var naming differs from config key naming are bound by hand.
	_ = v.BindEnv("database.path", "DB_PATH", "DEVBOARD_DATABASE_PATH")
	_ = v.BindEnv("server.host", "API_HOST", "DEVBOARD_SERVER_HOST")
	_ = v.BindEnv("server.port", "API_PORT", "DEVBOARD_SERVER_PORT")
	_ = v.BindEnv("server.serviceName", "SERVICE_NAME", "DEVBOARD_SERVER_SERVICE_NAME")
	_ = v.BindEnv("engine.maxConcurrentExecutions", "MAX_CONCURRENT_EXECUTIONS", "DEVBOARD_ENGINE_MAX_CONCURRENT_EXECUTIONS")
	_ = v.BindEnv("engine.logExecutorIo", "LOG_EXECUTOR_IO", "DEVBOARD_ENGINE_LOG_EXECUTOR_IO")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "DEVBOARD_LOGGING_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devboard/")

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
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Engine.MaxConcurrentExecutions <= 0 {
		errs = append(errs, "engine.maxConcurrentExecutions must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
