package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
)

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	// Start with default config
	config := domain.DefaultConfig()

	// Set up viper
	v := viper.New()
	v.SetConfigType("yaml")

	// If config path is provided, use it
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in standard locations
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.offline-data-manager")
		v.AddConfigPath("/etc/offline-data-manager")
	}

	// Read environment variables. Every key is bound explicitly so that
	// ODM_-prefixed variables apply even when the file omits the key.
	v.SetEnvPrefix("ODM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"server.host", "server.port",
		"storage.database_name", "storage.schema_version", "storage.data_dir", "storage.quota_bytes",
		"engine.concurrency", "engine.backoff_base",
		"connectivity.probe_addr", "connectivity.probe_interval",
		"logging.level", "logging.format", "logging.output_path", "logging.logs_dir",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// Try to read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults
	}

	// Unmarshal into config struct
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand environment variables in paths
	config = expandPaths(config)

	// Validate config
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// DatabasePath resolves the sqlite file location from the storage config.
func DatabasePath(cfg *domain.StorageConfig) string {
	return filepath.Join(cfg.DataDir, cfg.DatabaseName+".db")
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Storage.DataDir = expandPath(config.Storage.DataDir)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}
	if config.Logging.LogsDir != "" {
		config.Logging.LogsDir = expandPath(config.Logging.LogsDir)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	// Expand environment variables
	path = os.ExpandEnv(path)

	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	// Replace $HOME
	if strings.Contains(path, "$HOME") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return path
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Storage.DataDir == "" {
		return fmt.Errorf("data directory not configured")
	}

	if config.Storage.DatabaseName == "" {
		return fmt.Errorf("database name not configured")
	}

	if config.Storage.QuotaBytes < 0 {
		return fmt.Errorf("quota bytes cannot be negative")
	}

	if config.Engine.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if config.Engine.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}
