// Package config loads and validates the workspace service configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (WORKSPACE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bvbrc/workspace/internal/bytesize"
)

// Config represents the workspace service configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP listener serving the JSON-RPC API
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Database configures the metadata backend
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Filesystem configures the object body store on local disk
	Filesystem FilesystemConfig `mapstructure:"filesystem" yaml:"filesystem"`

	// Shock configures the blob store used for large uploads
	Shock ShockConfig `mapstructure:"shock" yaml:"shock"`

	// Auth configures token verification and service credentials
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Download configures download ticket issuance
	Download DownloadConfig `mapstructure:"download" yaml:"download"`

	// Service configures request processing behavior
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddress is the host:port the API server binds
	// Default: ":7125"
	ListenAddress string `mapstructure:"listen_address" validate:"required" yaml:"listen_address"`

	// APIRoot is the URL path the JSON-RPC endpoint is mounted at
	// Default: "/api"
	APIRoot string `mapstructure:"api_root" validate:"required,startswith=/" yaml:"api_root"`

	// ReadTimeout bounds request header and body reads
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds response writes. Downloads of large objects run
	// through this server, so the default is generous.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus metrics endpoint, served from the
// main listener at /metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DatabaseConfig configures the metadata backend.
type DatabaseConfig struct {
	// Backend selects the metadata store implementation
	// Valid values: mongo, memory
	Backend string `mapstructure:"backend" validate:"required,oneof=mongo memory" yaml:"backend"`

	// MongoURI is the MongoDB connection string
	// Required when Backend is "mongo"
	MongoURI string `mapstructure:"mongo_uri" validate:"required_if=Backend mongo" yaml:"mongo_uri"`

	// MongoDatabase is the database name holding the collections
	MongoDatabase string `mapstructure:"mongo_database" yaml:"mongo_database"`

	// WorkerThreads is the number of concurrent general database workers.
	// Writes are always funneled through a single serialization worker
	// regardless of this setting.
	// Default: 1
	WorkerThreads int `mapstructure:"worker_threads" validate:"omitempty,min=1" yaml:"worker_threads"`
}

// FilesystemConfig configures the on-disk object body store.
type FilesystemConfig struct {
	// Path is the base directory for object bodies (required)
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// ShockConfig configures the blob store for large object bodies.
type ShockConfig struct {
	// URL is the Shock server base URL. Empty disables blob-backed objects.
	URL string `mapstructure:"url" validate:"omitempty,url" yaml:"url"`

	// ReconcileInterval is how often pending uploads are polled for
	// completion
	// Default: 5s
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
}

// AuthConfig configures token verification and the service's own identity.
type AuthConfig struct {
	// ServiceURL is the authentication service endpoint used to fetch the
	// service token for Shock node ownership
	ServiceURL string `mapstructure:"service_url" validate:"omitempty,url" yaml:"service_url"`

	// User and Password are the service account credentials for ServiceURL
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Admins is the list of user identifiers allowed to request admin
	// elevation. Accepts a list in YAML or a ';'-separated string in the
	// environment.
	Admins []string `mapstructure:"admins" yaml:"admins"`
}

// DownloadConfig configures download ticket issuance.
type DownloadConfig struct {
	// Lifetime is how long an issued download ticket stays valid
	// Default: 1h
	Lifetime time.Duration `mapstructure:"lifetime" validate:"required,gt=0" yaml:"lifetime"`

	// URLBase is the externally visible base URL for download links,
	// e.g. "https://ws.example.org/dl". Defaults to path-only links.
	URLBase string `mapstructure:"url_base" validate:"omitempty,url" yaml:"url_base"`
}

// ServiceConfig configures request processing behavior.
type ServiceConfig struct {
	// TypesFile is a newline-separated whitelist of object types. Empty
	// means any type is accepted.
	TypesFile string `mapstructure:"types_file" yaml:"types_file"`

	// MaxInlineData caps the size of inline object bodies accepted over
	// the RPC interface; larger bodies must go through Shock upload nodes.
	// Supports human-readable formats: "1MB", "512Ki"
	// Default: 16MB
	MaxInlineData bytesize.ByteSize `mapstructure:"max_inline_data" yaml:"max_inline_data"`
}

// IsAdmin reports whether user appears in the configured admin list.
func (c *AuthConfig) IsAdmin(user string) bool {
	for _, admin := range c.Admins {
		if admin == user {
			return true
		}
	}
	return false
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location and falls back to pure
// defaults when no file exists there.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Specify a config file:\n"+
				"  wsd start --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML form. Permissions are
// restricted because the file may carry service credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the WORKSPACE_ prefix with underscores,
// e.g. WORKSPACE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("WORKSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file is
// not an error; the caller falls back to defaults.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		adminListDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "1Gi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use human-readable durations like "30s" or "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// adminListDecodeHook splits a ';'-separated admin list given as a single
// string, the form environment variables use.
func adminListDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf([]string(nil)) || from.Kind() != reflect.String {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		if s == "" {
			return []string{}, nil
		}
		if !strings.Contains(s, ";") {
			return []string{s}, nil
		}
		var out []string
		for _, part := range strings.Split(s, ";") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
}

// getConfigDir returns the configuration directory path, honoring
// XDG_CONFIG_HOME.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "workspace")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "workspace")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
