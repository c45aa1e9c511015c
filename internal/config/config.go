// Package config loads the server configuration from environment variables
// (prefix LICENSEGATE) layered over an optional YAML file. Environment wins.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains storage configuration. An empty DSN selects the
// in-memory store, which loses all state on restart and is for development
// and tests only.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" envconfig:"DSN"`
}

// AuthConfig contains token signing and admin authentication configuration.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	AdminSecret string `yaml:"admin_secret" envconfig:"ADMIN_SECRET"`
}

// RateLimitConfig controls the per-device check-in limiter and the global
// request throttle.
type RateLimitConfig struct {
	Window          time.Duration `yaml:"window" envconfig:"WINDOW" default:"60s"`
	Limit           int           `yaml:"limit" envconfig:"LIMIT" default:"6"`
	MaxEntries      int           `yaml:"max_entries" envconfig:"MAX_ENTRIES" default:"5000"`
	TTL             time.Duration `yaml:"ttl" envconfig:"TTL" default:"1h"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL" default:"5m"`
	GlobalRPS       float64       `yaml:"global_rps" envconfig:"GLOBAL_RPS" default:"100"`
	GlobalBurst     int           `yaml:"global_burst" envconfig:"GLOBAL_BURST" default:"50"`
}

// SecurityConfig contains security-related configuration.
type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool     `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

// Load loads configuration from environment variables and config file.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("LICENSEGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence).
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Database.DSN == "" {
		envConfig.Database.DSN = fileConfig.Database.DSN
	}
	if envConfig.Auth.JWTSecret == "" {
		envConfig.Auth.JWTSecret = fileConfig.Auth.JWTSecret
	}
	if envConfig.Auth.AdminSecret == "" {
		envConfig.Auth.AdminSecret = fileConfig.Auth.AdminSecret
	}
	if len(envConfig.Security.AllowedOrigins) == 0 {
		envConfig.Security.AllowedOrigins = fileConfig.Security.AllowedOrigins
	}

	return envConfig
}

// validate validates the configuration. The token signing secret is required:
// without it every issued credential would be forgeable, so startup fails
// instead.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required (LICENSEGATE_AUTH_JWT_SECRET)")
	}

	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}

	return nil
}

// getConfigFilePath returns the path to the config file, if one exists.
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration suitable for development. The JWT
// secret is intentionally left empty so a production deployment cannot run on
// defaults by accident.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:          60 * time.Second,
			Limit:           6,
			MaxEntries:      5000,
			TTL:             time.Hour,
			CleanupInterval: 5 * time.Minute,
			GlobalRPS:       100,
			GlobalBurst:     50,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
