// Package config provides configuration management for MycoNet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/myconet/myconet/internal/common/logger"
)

// Config holds all configuration sections for MycoNet.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Bus         BusConfig         `mapstructure:"bus"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Fabric      FabricConfig      `mapstructure:"fabric"`
	Intake      IntakeConfig      `mapstructure:"intake"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     logger.Config     `mapstructure:"logging"`
	DataDir     string            `mapstructure:"dataDir"`
	Agents      []AgentEntry      `mapstructure:"agents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	MaxInflight  int    `mapstructure:"maxInflight"`  // per-path concurrency limit
}

// DatabaseConfig holds relational store configuration. Driver is either
// "sqlite" (Path is the database file) or "postgres" (connection fields).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// BusConfig holds message bus configuration. Driver is "memory" (default)
// or "nats"; an empty NATS URL also selects the in-memory bus.
type BusConfig struct {
	Driver        string `mapstructure:"driver"`
	URL           string `mapstructure:"url"`
	QueueDepth    int    `mapstructure:"queueDepth"` // per-subscriber buffer
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RegistryConfig holds the integration catalog location.
type RegistryConfig struct {
	Path string `mapstructure:"path"` // empty means embedded catalog only
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	JSONLPath string `mapstructure:"jsonlPath"`
}

// FabricConfig holds integration dispatch configuration.
type FabricConfig struct {
	DispatchTimeout int `mapstructure:"dispatchTimeout"` // in seconds
	RetryBaseMS     int `mapstructure:"retryBaseMs"`
	MaxRetries      int `mapstructure:"maxRetries"`
}

// IntakeConfig holds event intake configuration.
type IntakeConfig struct {
	CriticalAttempts int `mapstructure:"criticalAttempts"` // fan-out delivery attempts
	CriticalDeadline int `mapstructure:"criticalDeadline"` // in seconds
	SweepInterval    int `mapstructure:"sweepInterval"`    // in seconds, 0 disables re-alerts
	SweepWindow      int `mapstructure:"sweepWindow"`      // in hours
}

// CredentialsConfig holds credential store configuration.
type CredentialsConfig struct {
	Provider string `mapstructure:"provider"` // env, file
	FilePath string `mapstructure:"filePath"`
}

// AgentEntry describes one agent to register at boot.
type AgentEntry struct {
	ID        string         `mapstructure:"id"`
	Name      string         `mapstructure:"name"`
	Kind      string         `mapstructure:"kind"`
	DependsOn []string       `mapstructure:"dependsOn"`
	Config    map[string]any `mapstructure:"config"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DispatchTimeoutDuration returns the per-dispatch timeout as a time.Duration.
func (f *FabricConfig) DispatchTimeoutDuration() time.Duration {
	return time.Duration(f.DispatchTimeout) * time.Second
}

// CriticalDeadlineDuration returns the critical fan-out deadline as a time.Duration.
func (i *IntakeConfig) CriticalDeadlineDuration() time.Duration {
	return time.Duration(i.CriticalDeadline) * time.Second
}

// SweepIntervalDuration returns the re-alert sweep period as a time.Duration.
func (i *IntakeConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(i.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("MYCONET_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.maxInflight", 64)

	// Database defaults - sqlite file unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "myconet.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "myconet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "myconet")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Bus defaults - empty URL means use in-memory bus
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.queueDepth", 64)
	v.SetDefault("bus.maxReconnects", 10)

	// Registry defaults - empty path means embedded catalog
	v.SetDefault("registry.path", "")

	// Audit defaults
	v.SetDefault("audit.jsonlPath", "audit.jsonl")

	// Fabric defaults
	v.SetDefault("fabric.dispatchTimeout", 30)
	v.SetDefault("fabric.retryBaseMs", 200)
	v.SetDefault("fabric.maxRetries", 3)

	// Intake defaults
	v.SetDefault("intake.criticalAttempts", 3)
	v.SetDefault("intake.criticalDeadline", 5)
	v.SetDefault("intake.sweepInterval", 60)
	v.SetDefault("intake.sweepWindow", 24)

	// Credentials defaults
	v.SetDefault("credentials.provider", "env")
	v.SetDefault("credentials.filePath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// Data directory for per-agent document stores
	v.SetDefault("dataDir", "data")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MYCONET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/myconet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MYCONET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("audit.jsonlPath", "MYCONET_AUDIT_JSONL_PATH")
	_ = v.BindEnv("registry.path", "MYCONET_REGISTRY_PATH")
	_ = v.BindEnv("database.dbName", "MYCONET_DATABASE_DB_NAME")
	_ = v.BindEnv("dataDir", "MYCONET_DATA_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/myconet/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxInflight <= 0 {
		errs = append(errs, "server.maxInflight must be positive")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Bus validation - nats driver needs a URL
	switch cfg.Bus.Driver {
	case "memory":
	case "nats":
		if cfg.Bus.URL == "" {
			errs = append(errs, "bus.url is required for the nats driver")
		}
	default:
		errs = append(errs, "bus.driver must be one of: memory, nats")
	}
	if cfg.Bus.QueueDepth <= 0 {
		errs = append(errs, "bus.queueDepth must be positive")
	}

	// Fabric validation
	if cfg.Fabric.DispatchTimeout <= 0 {
		errs = append(errs, "fabric.dispatchTimeout must be positive")
	}

	// Intake validation
	if cfg.Intake.CriticalAttempts <= 0 {
		errs = append(errs, "intake.criticalAttempts must be positive")
	}
	if cfg.Intake.SweepInterval > 0 && cfg.Intake.SweepWindow <= 0 {
		errs = append(errs, "intake.sweepWindow must be positive when the sweep is enabled")
	}

	// Credentials validation
	switch cfg.Credentials.Provider {
	case "env":
	case "file":
		if cfg.Credentials.FilePath == "" {
			errs = append(errs, "credentials.filePath is required for the file provider")
		}
	default:
		errs = append(errs, "credentials.provider must be one of: env, file")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	// Agent entries must carry unique, non-empty ids
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			errs = append(errs, "agents[].id is required")
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
