// Package config loads and validates the nmapper daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Scanning and scheduling configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Snapshot store configuration
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Path records where the configuration was loaded from, for reloads.
	Path string `yaml:"-" json:"-"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	// PID file location
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Working directory
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Graceful shutdown timeout; in-flight executions are waited for up to
	// this long before being abandoned
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ScanningConfig holds scheduling and dispatch settings.
type ScanningConfig struct {
	// Maximum number of simultaneously admitted scan executions
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans"`

	// Maximum number of requests held in the dispatch backlog
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`

	// Default timeout applied to requests that do not carry their own
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// Default recurrence interval for new schedules
	DefaultInterval time.Duration `yaml:"default_interval" json:"default_interval"`

	// Default ports to scan for the quick profile
	DefaultPorts string `yaml:"default_ports" json:"default_ports"`

	// Default scan profile
	DefaultProfile devices.ScanProfile `yaml:"default_profile" json:"default_profile"`

	// History keeps the most recent executions for metrics and audit
	HistorySize int `yaml:"history_size" json:"history_size"`

	// Retry configuration
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Enrichment configuration
	Enrichment EnrichmentConfig `yaml:"enrichment" json:"enrichment"`
}

// RetryConfig holds the bounded-retry policy for failed scheduled runs.
type RetryConfig struct {
	// Maximum number of consecutive retries after a failing run
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Fixed delay before a retry, distinct from the normal interval
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// EnrichmentConfig holds optional device-enrichment settings.
type EnrichmentConfig struct {
	// Resolve hostnames via reverse DNS
	ReverseDNS bool `yaml:"reverse_dns" json:"reverse_dns"`

	// DNS server used for PTR lookups (host:port)
	DNSServer string `yaml:"dns_server" json:"dns_server"`

	// Query SNMP sysName/sysDescr for classification hints
	SNMP bool `yaml:"snmp" json:"snmp"`

	// SNMP community string
	SNMPCommunity string `yaml:"snmp_community" json:"snmp_community"`

	// Per-host enrichment timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// StorageConfig holds snapshot store settings.
type StorageConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`

	// Connection pool settings
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" json:"conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (s StorageConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		s.Host, s.Port, s.Database, s.Username, s.Password, s.SSLMode)
}

// APIConfig holds API server settings.
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// CORS settings
	EnableCORS  bool     `yaml:"enable_cors" json:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// Address returns the full listen address.
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.ListenAddr, a.Port)
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:         "/var/run/nmapper.pid",
			WorkDir:         "",
			ShutdownTimeout: 30 * time.Second,
		},
		Scanning: ScanningConfig{
			MaxConcurrentScans: 3,
			MaxQueueSize:       50,
			DefaultTimeout:     10 * time.Minute,
			DefaultInterval:    1 * time.Hour,
			DefaultPorts:       "22,80,443,8080,8443",
			DefaultProfile:     devices.ProfileQuick,
			HistorySize:        100,
			Retry: RetryConfig{
				MaxRetries: 3,
				RetryDelay: 30 * time.Second,
			},
			Enrichment: EnrichmentConfig{
				ReverseDNS:    true,
				DNSServer:     "",
				SNMP:          false,
				SNMPCommunity: "public",
				Timeout:       2 * time.Second,
			},
		},
		Storage: StorageConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "nmapper",
			Username:     "nmapper",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			ConnLifetime: 30 * time.Minute,
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           8080,
			RequestTimeout: 30 * time.Second,
			EnableCORS:     true,
			CORSOrigins:    []string{"*"},
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file, applying defaults for anything the
// file does not set. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	config.Path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves the configuration to a file as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Scanning.MaxConcurrentScans <= 0 {
		return fmt.Errorf("max concurrent scans must be positive")
	}
	if c.Scanning.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive")
	}
	if c.Scanning.DefaultInterval <= 0 {
		return fmt.Errorf("default scan interval must be positive")
	}
	if c.Scanning.DefaultTimeout <= 0 {
		return fmt.Errorf("default scan timeout must be positive")
	}
	if c.Scanning.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Scanning.Retry.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if c.Scanning.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive")
	}
	if !c.Scanning.DefaultProfile.Valid() {
		return fmt.Errorf("invalid default scan profile: %s", c.Scanning.DefaultProfile)
	}

	if c.Storage.Host == "" {
		return fmt.Errorf("storage host is required")
	}
	if c.Storage.Database == "" {
		return fmt.Errorf("storage database name is required")
	}
	if c.Storage.Username == "" {
		return fmt.Errorf("storage username is required")
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("API port must be between 1 and 65535")
		}
		if c.API.ListenAddr == "" {
			return fmt.Errorf("API listen address is required when API is enabled")
		}
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
