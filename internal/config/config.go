// Package config loads and validates the porteye configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/porteye/internal/db"
	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/report"
	"github.com/anstrom/porteye/internal/scanner"
	"github.com/anstrom/porteye/internal/scanning"
	"github.com/anstrom/porteye/internal/scheduler"
	"github.com/anstrom/porteye/internal/targets"
)

// File permissions for saved configuration.
const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete porteye configuration
type Config struct {
	// Hosts and networks to scan
	Targets TargetsConfig `yaml:"targets" json:"targets"`

	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Report output
	Output OutputConfig `yaml:"output" json:"output"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Database configuration
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Repeated runs
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
}

// TargetsConfig lists scan targets by family.
type TargetsConfig struct {
	IPv4Hosts    []string `yaml:"ipv4_hosts" json:"ipv4_hosts"`
	IPv6Hosts    []string `yaml:"ipv6_hosts" json:"ipv6_hosts"`
	IPv4Networks []string `yaml:"ipv4_networks" json:"ipv4_networks"`
	IPv6Networks []string `yaml:"ipv6_networks" json:"ipv6_networks"`
}

// ScanningConfig holds scanning-related settings
type ScanningConfig struct {
	// Answer probes from built-in fixtures
	Mock bool `yaml:"mock" json:"mock"`

	// Raw-socket probes and OS detection; nil means "elevated if root"
	Privileged *bool `yaml:"privileged" json:"privileged"`

	// Number of hosts scanned at once
	MaxParallel int `yaml:"max_parallel" json:"max_parallel" validate:"min=1,max=1024"`

	// Pipelines started per second (0 = no limit)
	RateLimit int `yaml:"rate_limit" json:"rate_limit" validate:"min=0"`

	// Ports to scan
	Ports string `yaml:"ports" json:"ports"`

	// Also scan UDP
	UDP bool `yaml:"udp" json:"udp"`

	// Probe timeouts
	PingTimeout time.Duration `yaml:"ping_timeout" json:"ping_timeout" validate:"min=0"`
	ScanTimeout time.Duration `yaml:"scan_timeout" json:"scan_timeout" validate:"min=0"`

	// Extra vulnerability signatures in YAML
	SignaturesFile string `yaml:"signatures_file" json:"signatures_file"`
}

// OutputConfig holds report output settings
type OutputConfig struct {
	// Report format (table, json, yaml, xml); empty picks it from Path,
	// and table when Path is empty too
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=table json yaml yml xml"`

	// File the report is written to; empty means stdout
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address, host:port
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true,omitempty,hostname_port"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"min=0"`

	// Trust X-Forwarded-For and X-Real-IP from a reverse proxy
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
}

// DatabaseConfig enables report persistence.
type DatabaseConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	db.Config `yaml:",inline" json:",inline"`
}

// ScheduleConfig holds the cron expression for repeated runs.
type ScheduleConfig struct {
	// Cron expression or descriptor such as "@every 1h"; empty runs once
	Cron string `yaml:"cron" json:"cron"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			MaxParallel: scanning.DefaultMaxParallel,
			Ports:       "1-1024",
			PingTimeout: scanner.DefaultPingTimeout,
			ScanTimeout: scanner.DefaultScanTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		API: APIConfig{
			Enabled:        false,
			ListenAddr:     "127.0.0.1:8080",
			RequestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled: false,
			Config:  db.DefaultConfig(),
		},
	}
}

// Load loads configuration from a YAML file over the defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(errors.CodeFileNotFound,
				fmt.Sprintf("config file not found: %s", path), err)
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil, errors.NewConfigFieldError(errors.CodeFileFormat,
			"unsupported config file extension", "path", path)
	}

	// JSON is a subset of YAML, so one decoder serves both.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileFormat, "failed to parse config", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks struct constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.Scanning.Ports != "" {
		if err := scanning.ValidatePorts(c.Scanning.Ports); err != nil {
			return err
		}
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "database host is required", "database.host", "")
		}
		if c.Database.Database == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "database name is required", "database.database", "")
		}
		if c.Database.Username == "" {
			return errors.NewConfigFieldError(errors.CodeValidation, "database username is required", "database.username", "")
		}
	}

	if c.Schedule.Cron != "" {
		if err := scheduler.ValidateExpression(c.Schedule.Cron); err != nil {
			return err
		}
	}

	if _, err := c.TargetSet(); err != nil {
		return err
	}
	return nil
}

// TargetSet parses the configured targets.
func (c *Config) TargetSet() (targets.Set, error) {
	return targets.ParseSet(c.Targets.IPv4Hosts, c.Targets.IPv6Hosts,
		c.Targets.IPv4Networks, c.Targets.IPv6Networks)
}

// IsPrivileged resolves the privileged setting, defaulting to whether the
// process runs as root.
func (c *Config) IsPrivileged() bool {
	if c.Scanning.Privileged != nil {
		return *c.Scanning.Privileged
	}
	return os.Geteuid() == 0
}

// ScanConfig builds the orchestrator configuration.
func (c *Config) ScanConfig() (scanning.Config, error) {
	set, err := c.TargetSet()
	if err != nil {
		return scanning.Config{}, err
	}
	return scanning.Config{
		Targets:     set,
		Mock:        c.Scanning.Mock,
		Privileged:  c.IsPrivileged(),
		MaxParallel: c.Scanning.MaxParallel,
		RateLimit:   c.Scanning.RateLimit,
		Ports:       c.Scanning.Ports,
		UDP:         c.Scanning.UDP,
		PingTimeout: c.Scanning.PingTimeout,
		ScanTimeout: c.Scanning.ScanTimeout,
	}, nil
}

// LoggerConfig returns the logging configuration.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:  logging.LogLevel(c.Logging.Level),
		Format: logging.LogFormat(c.Logging.Format),
		Output: c.Logging.Output,
	}
}

// OutputFormat resolves the report format. An explicit setting wins over
// the output path extension.
func (c *Config) OutputFormat() (report.Format, error) {
	if c.Output.Format == "" && c.Output.Path != "" {
		return report.FormatFromPath(c.Output.Path), nil
	}
	return report.ParseFormat(c.Output.Format)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// IsDatabaseEnabled returns true if reports are persisted
func (c *Config) IsDatabaseEnabled() bool {
	return c.Database.Enabled
}

// GetDatabaseConfig returns the database configuration
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database.Config
}
