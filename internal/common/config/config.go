// Package config provides configuration management for Relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Relay.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Database    DatabaseConfig    `mapstructure:"database"`
	AICLI       AICLIConfig       `mapstructure:"aicli"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Devices     DevicesConfig     `mapstructure:"devices"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Push        PushConfig        `mapstructure:"push"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// AuthConfig holds the shared bearer token clients present on connect.
// An empty token disables authentication.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds durable store configuration. Driver "memory" disables
// persistence entirely; "sqlite" uses Path; "postgres" uses the DSN fields.
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

// AICLIConfig holds settings for the supervised AI CLI child process.
type AICLIConfig struct {
	Command         string        `mapstructure:"command"`
	Candidates      []string      `mapstructure:"candidates"`
	WorkDir         string        `mapstructure:"workDir"`
	PermissionMode  string        `mapstructure:"permissionMode"`
	AllowedTools    []string      `mapstructure:"allowedTools"`
	DisallowedTools []string      `mapstructure:"disallowedTools"`
	SkipPermissions bool          `mapstructure:"skipPermissions"`
	HealthInterval  time.Duration `mapstructure:"healthInterval"`
	ProbeTimeout    time.Duration `mapstructure:"probeTimeout"`
}

// QueueConfig holds per-session message queue configuration.
type QueueConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
	RetryAttempts   int           `mapstructure:"retryAttempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retryBaseDelay"`
}

// DevicesConfig holds device registry configuration.
type DevicesConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
}

// PermissionsConfig holds permission manager configuration.
type PermissionsConfig struct {
	RequestTimeout   time.Duration `mapstructure:"requestTimeout"`
	DefaultAction    string        `mapstructure:"defaultAction"`
	RulesPath        string        `mapstructure:"rulesPath"`
	AutoApprove      []string      `mapstructure:"autoApprove"`
	AutoDeny         []string      `mapstructure:"autoDeny"`
	HistoryLimit     int           `mapstructure:"historyLimit"`
	HistoryTrim      int           `mapstructure:"historyTrim"`
	ApproveThreshold int           `mapstructure:"approveThreshold"`
	DenyThreshold    int           `mapstructure:"denyThreshold"`
}

// PushConfig holds push notifier configuration. Provider selects the
// delivery transport: "log" (development) or "apprise" (shells out to the
// apprise CLI with the configured URL templates).
type PushConfig struct {
	Provider      string   `mapstructure:"provider"`
	AppriseURLs   []string `mapstructure:"appriseUrls"`
	MaxConcurrent int      `mapstructure:"maxConcurrent"`
	MaxRetries    int      `mapstructure:"maxRetries"`
}

// TasksConfig holds long-running task manager configuration.
type TasksConfig struct {
	LongThreshold     time.Duration `mapstructure:"longThreshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
}

// IsTestEnv reports whether the process runs under the test environment flag.
// Components use it to suppress background intervals so tests observe
// deterministic state.
func IsTestEnv() bool {
	return os.Getenv("RELAY_ENV") == "test"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	// Auth defaults - empty token disables authentication
	v.SetDefault("auth.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./relay.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// AI CLI defaults
	v.SetDefault("aicli.command", "")
	v.SetDefault("aicli.candidates", []string{"claude", "aicli"})
	v.SetDefault("aicli.workDir", "")
	v.SetDefault("aicli.permissionMode", "default")
	v.SetDefault("aicli.allowedTools", []string{})
	v.SetDefault("aicli.disallowedTools", []string{})
	v.SetDefault("aicli.skipPermissions", false)
	v.SetDefault("aicli.healthInterval", 30*time.Second)
	v.SetDefault("aicli.probeTimeout", 5*time.Second)

	// Queue defaults
	v.SetDefault("queue.ttl", 24*time.Hour)
	v.SetDefault("queue.cleanupInterval", time.Hour)
	v.SetDefault("queue.retryAttempts", 2)
	v.SetDefault("queue.retryBaseDelay", time.Second)

	// Device registry defaults
	v.SetDefault("devices.timeout", 5*time.Minute)
	v.SetDefault("devices.heartbeatInterval", time.Minute)

	// Permission manager defaults
	v.SetDefault("permissions.requestTimeout", 5*time.Minute)
	v.SetDefault("permissions.defaultAction", "deny")
	v.SetDefault("permissions.rulesPath", "")
	v.SetDefault("permissions.autoApprove", []string{})
	v.SetDefault("permissions.autoDeny", []string{})
	v.SetDefault("permissions.historyLimit", 1000)
	v.SetDefault("permissions.historyTrim", 500)
	v.SetDefault("permissions.approveThreshold", 5)
	v.SetDefault("permissions.denyThreshold", 3)

	// Push notifier defaults
	v.SetDefault("push.provider", "log")
	v.SetDefault("push.appriseUrls", []string{})
	v.SetDefault("push.maxConcurrent", 10)
	v.SetDefault("push.maxRetries", 3)

	// Task manager defaults
	v.SetDefault("tasks.longThreshold", 5*time.Minute)
	v.SetDefault("tasks.heartbeatInterval", 30*time.Second)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env var naming differs are bound by hand.
	_ = v.BindEnv("database.driver", "RELAY_DB_DRIVER", "RELAY_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "RELAY_DB_PATH", "RELAY_DATABASE_PATH")
	_ = v.BindEnv("aicli.workDir", "RELAY_AICLI_WORK_DIR")
	_ = v.BindEnv("aicli.skipPermissions", "RELAY_AICLI_SKIP_PERMISSIONS")
	_ = v.BindEnv("aicli.permissionMode", "RELAY_AICLI_PERMISSION_MODE")
	_ = v.BindEnv("permissions.defaultAction", "RELAY_PERMISSIONS_DEFAULT_ACTION")
	_ = v.BindEnv("permissions.requestTimeout", "RELAY_PERMISSIONS_REQUEST_TIMEOUT")
	_ = v.BindEnv("permissions.rulesPath", "RELAY_PERMISSIONS_RULES_PATH")
	_ = v.BindEnv("devices.heartbeatInterval", "RELAY_DEVICES_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("queue.cleanupInterval", "RELAY_QUEUE_CLEANUP_INTERVAL")
	_ = v.BindEnv("tasks.longThreshold", "RELAY_TASKS_LONG_THRESHOLD")
	_ = v.BindEnv("push.maxConcurrent", "RELAY_PUSH_MAX_CONCURRENT")
	_ = v.BindEnv("push.provider", "RELAY_PUSH_PROVIDER")
	_ = v.BindEnv("push.appriseUrls", "RELAY_PUSH_APPRISE_URLS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

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

	switch cfg.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.driver is sqlite")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.driver is postgres")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Queue.TTL <= 0 {
		errs = append(errs, "queue.ttl must be positive")
	}
	if cfg.Queue.RetryAttempts < 0 {
		errs = append(errs, "queue.retryAttempts must not be negative")
	}

	if cfg.Devices.Timeout <= 0 {
		errs = append(errs, "devices.timeout must be positive")
	}

	if cfg.Permissions.DefaultAction != "approve" && cfg.Permissions.DefaultAction != "deny" {
		errs = append(errs, "permissions.defaultAction must be approve or deny")
	}
	if cfg.Permissions.HistoryTrim >= cfg.Permissions.HistoryLimit {
		errs = append(errs, "permissions.historyTrim must be less than permissions.historyLimit")
	}
	if cfg.Permissions.ApproveThreshold <= 0 || cfg.Permissions.DenyThreshold <= 0 {
		errs = append(errs, "permissions approval/denial thresholds must be positive")
	}

	if cfg.Push.Provider != "log" && cfg.Push.Provider != "apprise" {
		errs = append(errs, "push.provider must be log or apprise")
	}
	if cfg.Push.Provider == "apprise" && len(cfg.Push.AppriseURLs) == 0 {
		errs = append(errs, "push.appriseUrls must be set for the apprise provider")
	}
	if cfg.Push.MaxConcurrent <= 0 {
		errs = append(errs, "push.maxConcurrent must be positive")
	}
	if cfg.Push.MaxRetries <= 0 {
		errs = append(errs, "push.maxRetries must be positive")
	}

	if cfg.Tasks.LongThreshold <= 0 {
		errs = append(errs, "tasks.longThreshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
