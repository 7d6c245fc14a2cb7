package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig contains store and probe configuration
type StorageConfig struct {
	// DatabaseName names the sqlite file (without extension) under DataDir.
	DatabaseName string `mapstructure:"database_name"`

	// SchemaVersion is carried in configuration only; opening the store
	// does not read it.
	SchemaVersion int `mapstructure:"schema_version"`

	// DataDir holds the database and is the path the probe measures.
	DataDir string `mapstructure:"data_dir"`

	// QuotaBytes caps usable space; zero means the probe derives the
	// quota from the filesystem capacity.
	QuotaBytes int64 `mapstructure:"quota_bytes"`
}

// EngineConfig contains download engine configuration
type EngineConfig struct {
	// Concurrency is the number of parallel transfer slots.
	Concurrency int `mapstructure:"concurrency"`

	// BackoffBase is the first retry delay; attempt n sleeps
	// BackoffBase * 2^(n-1).
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// ConnectivityConfig contains connectivity monitor configuration
type ConnectivityConfig struct {
	// ProbeAddr is a host:port dialed to sense reachability. Empty
	// disables monitoring; the manual override is authoritative then.
	ProbeAddr string `mapstructure:"probe_addr"`

	// ProbeInterval is the spacing between reachability checks.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // directory for categorized event logs
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			DatabaseName:  "offline-data-manager",
			SchemaVersion: 1,
			DataDir:       "$HOME/.offline-data-manager",
			QuotaBytes:    0,
		},
		Engine: EngineConfig{
			Concurrency: 2,
			BackoffBase: time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeAddr:     "",
			ProbeInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "",
		},
	}
}
