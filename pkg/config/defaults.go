package config

import (
	"time"

	"github.com/bvbrc/workspace/internal/bytesize"
)

// Default values applied to any configuration field left unset.
const (
	DefaultLogLevel  = "INFO"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stdout"

	DefaultListenAddress   = ":7125"
	DefaultAPIRoot         = "/api"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second

	DefaultBackend       = "mongo"
	DefaultMongoURI      = "mongodb://localhost:27017"
	DefaultMongoDatabase = "WorkspaceBuild"
	DefaultWorkerThreads = 1

	DefaultReconcileInterval = 5 * time.Second
	DefaultDownloadLifetime  = time.Hour
	DefaultMaxInlineData     = 16 * bytesize.MB
)

// ApplyDefaults fills in default values for any unset fields.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyShockDefaults(&cfg.Shock)
	applyDownloadDefaults(&cfg.Download)
	applyServiceDefaults(&cfg.Service)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = DefaultLogLevel
	}
	if cfg.Format == "" {
		cfg.Format = DefaultLogFormat
	}
	if cfg.Output == "" {
		cfg.Output = DefaultLogOutput
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.APIRoot == "" {
		cfg.APIRoot = DefaultAPIRoot
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}
	if cfg.MongoURI == "" {
		cfg.MongoURI = DefaultMongoURI
	}
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = DefaultMongoDatabase
	}
	if cfg.WorkerThreads == 0 {
		cfg.WorkerThreads = DefaultWorkerThreads
	}
}

func applyShockDefaults(cfg *ShockConfig) {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
}

func applyDownloadDefaults(cfg *DownloadConfig) {
	if cfg.Lifetime == 0 {
		cfg.Lifetime = DefaultDownloadLifetime
	}
}

func applyServiceDefaults(cfg *ServiceConfig) {
	if cfg.MaxInlineData == 0 {
		cfg.MaxInlineData = DefaultMaxInlineData
	}
}

// GetDefaultConfig returns a configuration with all defaults applied and a
// memory backend plus temp filesystem path so the server can start without a
// config file, for evaluation only.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Database.Backend = "memory"
	cfg.Filesystem.Path = "/tmp/workspace"
	return cfg
}
