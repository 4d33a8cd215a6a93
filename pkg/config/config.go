package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the configuration file
const (
	EnvRoot = "TINYHTTPD_ROOT"
	EnvPort = "TINYHTTPD_PORT"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Retry   RetryConfig  `yaml:"retry"`
	Logging LogConfig    `yaml:"logging"`
	Access  AccessConfig `yaml:"access"`
}

// ServerConfig contains settings for the listener and connection handling
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Root            string `yaml:"root"`
	MaxConnections  int    `yaml:"max_connections"`  // negative means unbounded
	ReadTimeout     int    `yaml:"read_timeout"`     // in seconds, 0 disables
	WriteTimeout    int    `yaml:"write_timeout"`    // in seconds, 0 disables
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // in seconds
}

// RetryConfig shapes the wait between retries of temporary accept failures.
// Those are retried until they clear; Enabled only turns exponential backoff
// on or off.
type RetryConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	InitialDelay  int     `yaml:"initial_delay"` // in milliseconds
	MaxDelay      int     `yaml:"max_delay"`     // in milliseconds
	BackoffFactor float64 `yaml:"backoff_factor"`
	JitterFactor  float64 `yaml:"jitter_factor"`
}

// LogConfig contains settings for logging
type LogConfig struct {
	LogToFile   bool   `yaml:"log_to_file"`
	LogFilePath string `yaml:"log_file_path"`
	MaxSize     int    `yaml:"max_size"`    // maximum size in megabytes
	MaxBackups  int    `yaml:"max_backups"` // maximum number of old log files to retain
	MaxAge      int    `yaml:"max_age"`     // maximum number of days to retain old log files
	Compress    *bool  `yaml:"compress"`    // compress rotated log files
}

// AccessConfig controls the console access lines
type AccessConfig struct {
	Enabled *bool `yaml:"enabled"`
	Color   *bool `yaml:"color"`
}

// LoadDefault returns a configuration with default values
func LoadDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            8080,
			Root:            "www",
			MaxConnections:  100,
			ReadTimeout:     0,
			WriteTimeout:    0,
			ShutdownTimeout: 5,
		},
		Retry: RetryConfig{
			Enabled:       boolPtr(true),
			InitialDelay:  5,
			MaxDelay:      1000,
			BackoffFactor: 2.0,
			JitterFactor:  0.1,
		},
		Logging: LogConfig{
			LogToFile:   false,
			LogFilePath: "tinyhttpd.log",
			MaxSize:     10,
			MaxBackups:  3,
			MaxAge:      28,
			Compress:    boolPtr(true),
		},
	}
}

// Default returns a configuration with default values and environment
// overrides applied
func Default() *Config {
	cfg := LoadDefault()
	cfg.applyEnv()
	return cfg
}

// Load reads configuration from a file and merges it with default values
func Load(configPath string) (*Config, error) {
	// Start with default configuration
	cfg := LoadDefault()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Merge server configuration
	if fileCfg.Server.Host != "" {
		cfg.Server.Host = fileCfg.Server.Host
	}
	if fileCfg.Server.Port > 0 {
		cfg.Server.Port = fileCfg.Server.Port
	}
	if fileCfg.Server.Root != "" {
		cfg.Server.Root = fileCfg.Server.Root
	}
	if fileCfg.Server.MaxConnections != 0 {
		cfg.Server.MaxConnections = fileCfg.Server.MaxConnections
	}
	if fileCfg.Server.ReadTimeout != 0 {
		cfg.Server.ReadTimeout = fileCfg.Server.ReadTimeout
	}
	if fileCfg.Server.WriteTimeout != 0 {
		cfg.Server.WriteTimeout = fileCfg.Server.WriteTimeout
	}
	if fileCfg.Server.ShutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = fileCfg.Server.ShutdownTimeout
	}

	// Merge retry configuration
	if fileCfg.Retry.Enabled != nil {
		cfg.Retry.Enabled = fileCfg.Retry.Enabled
	}
	if fileCfg.Retry.InitialDelay > 0 {
		cfg.Retry.InitialDelay = fileCfg.Retry.InitialDelay
	}
	if fileCfg.Retry.MaxDelay > 0 {
		cfg.Retry.MaxDelay = fileCfg.Retry.MaxDelay
	}
	if fileCfg.Retry.BackoffFactor > 0 {
		cfg.Retry.BackoffFactor = fileCfg.Retry.BackoffFactor
	}
	if fileCfg.Retry.JitterFactor > 0 {
		cfg.Retry.JitterFactor = fileCfg.Retry.JitterFactor
	}

	// Merge logging configuration
	if fileCfg.Logging.LogToFile {
		cfg.Logging.LogToFile = fileCfg.Logging.LogToFile
	}
	if fileCfg.Logging.LogFilePath != "" {
		cfg.Logging.LogFilePath = fileCfg.Logging.LogFilePath
	}
	if fileCfg.Logging.MaxSize > 0 {
		cfg.Logging.MaxSize = fileCfg.Logging.MaxSize
	}
	if fileCfg.Logging.MaxBackups > 0 {
		cfg.Logging.MaxBackups = fileCfg.Logging.MaxBackups
	}
	if fileCfg.Logging.MaxAge > 0 {
		cfg.Logging.MaxAge = fileCfg.Logging.MaxAge
	}
	if fileCfg.Logging.Compress != nil {
		cfg.Logging.Compress = fileCfg.Logging.Compress
	}

	// Merge access configuration
	if fileCfg.Access.Enabled != nil {
		cfg.Access.Enabled = fileCfg.Access.Enabled
	}
	if fileCfg.Access.Color != nil {
		cfg.Access.Color = fileCfg.Access.Color
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault attempts to load configuration from a file.
// A missing file yields the default configuration; any other failure
// (unreadable, unparsable, invalid values) is returned.
func LoadOrDefault(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Warning: config file %s not found, using default configuration\n", configPath)
	cfg = Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides root and port from the environment.
// An unparsable port is ignored with a warning.
func (c *Config) applyEnv() {
	if root := os.Getenv(EnvRoot); root != "" {
		c.Server.Root = root
	}
	if port := os.Getenv(EnvPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		} else {
			fmt.Fprintf(os.Stderr, "Warning: ignoring invalid %s=%q\n", EnvPort, port)
		}
	}
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.Root == "" {
		return fmt.Errorf("root directory is required")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff_factor must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry jitter_factor must be between 0 and 1")
	}
	return nil
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the per-connection read deadline, 0 if disabled
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the per-connection write deadline, 0 if disabled
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns how long shutdown waits for in-flight connections
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// BackoffEnabled reports whether accept retries back off exponentially (default true)
func (r RetryConfig) BackoffEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// CompressEnabled reports whether rotated log files are compressed (default true)
func (l LogConfig) CompressEnabled() bool {
	return l.Compress == nil || *l.Compress
}

// AccessEnabled reports whether access lines are printed (default true)
func (a AccessConfig) AccessEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// ColorEnabled reports whether color is forced on or off.
// The second result is false when terminal detection should decide.
func (a AccessConfig) ColorEnabled() (enabled bool, set bool) {
	if a.Color == nil {
		return false, false
	}
	return *a.Color, true
}

func boolPtr(b bool) *bool {
	return &b
}
