package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Logging     LoggingConfig     `yaml:"logging"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Tunnels     TunnelConfig      `yaml:"tunnels"`
	Procedures  ProcedureConfig   `yaml:"procedures"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
}

// ApplicationConfig holds application identity
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CorrelationConfig holds correlation engine settings
type CorrelationConfig struct {
	// MSISDN fuzzy matching suffix length, 7-9 digits
	MsisdnSuffixDigits int `yaml:"msisdn_suffix_digits"`
	// VoLTE phase-3 time window tolerance
	VolteTimeToleranceMs int `yaml:"volte_time_tolerance_ms"`
	// Looser tolerance for long-lived Cx/Sh sessions
	CxShToleranceS int `yaml:"cx_sh_tolerance_s"`
}

// TunnelConfig holds GTP tunnel manager settings
type TunnelConfig struct {
	ActivityTimeoutS int `yaml:"activity_timeout_s"`
	MaxTunnels       int `yaml:"max_tunnels"`
}

// ProcedureConfig holds procedure detector settings
type ProcedureConfig struct {
	RetentionS int `yaml:"retention_s"`
}

// StorageConfig holds file output settings
type StorageConfig struct {
	FlowsEnabled bool   `yaml:"flows_enabled"`
	FlowsPath    string `yaml:"flows_path"`
	CDREnabled   bool   `yaml:"cdr_enabled"`
	CDRPath      string `yaml:"cdr_path"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	Compress     bool   `yaml:"compress"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// ServerConfig holds streaming server settings
type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	JWTSecret      string `yaml:"jwt_secret"`
	TokenExpiryMin int    `yaml:"token_expiry_min"`
}

var globalConfig *Config
var configMu sync.RWMutex

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Default returns a configuration with sensible defaults applied
func Default() *Config {
	return &Config{
		Application: ApplicationConfig{Name: "callflow", Version: "dev"},
		Logging:     LoggingConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Correlation: CorrelationConfig{
			MsisdnSuffixDigits:   9,
			VolteTimeToleranceMs: 1000,
			CxShToleranceS:       30,
		},
		Tunnels:    TunnelConfig{ActivityTimeoutS: 300, MaxTunnels: 100000},
		Procedures: ProcedureConfig{RetentionS: 3600},
		Database:   DatabaseConfig{Port: 5432, SSLMode: "disable", MaxConns: 10, MaxIdle: 5},
		Server:     ServerConfig{Host: "0.0.0.0", Port: 8080, TokenExpiryMin: 60},
	}
}

// Get returns the global configuration instance
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Validate performs configuration validation
func (c *Config) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if c.Correlation.MsisdnSuffixDigits < 7 || c.Correlation.MsisdnSuffixDigits > 9 {
		return fmt.Errorf("msisdn_suffix_digits must be 7-9, got %d", c.Correlation.MsisdnSuffixDigits)
	}
	if c.Tunnels.MaxTunnels < 1 {
		return fmt.Errorf("max_tunnels must be positive")
	}
	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", c.Server.Port)
		}
		if c.Server.JWTSecret == "" {
			return fmt.Errorf("jwt_secret is required when server is enabled")
		}
	}
	return nil
}

// GetAddr returns the server address in host:port format
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
