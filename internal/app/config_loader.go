package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/yourusername/browsecore/internal/domain"
)

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*domain.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Register every key so BROWSECORE_* variables bind without a config file
	for key, value := range configValues(domain.DefaultConfig()) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.browsecore")
		v.AddConfigPath("/etc/browsecore")
	}

	v.SetEnvPrefix("BROWSECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := domain.DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) *domain.Config {
	config.Storage.DatabasePath = expandPath(config.Storage.DatabasePath)
	config.Download.Dir = expandPath(config.Download.Dir)
	config.Logging.LogsDir = expandPath(config.Logging.LogsDir)

	if config.Session.ScratchDir == "" {
		config.Session.ScratchDir = filepath.Join(os.TempDir(), "browsecore-private")
	} else {
		config.Session.ScratchDir = expandPath(config.Session.ScratchDir)
	}

	src := config.Filter.Source
	if src != "" && !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		config.Filter.Source = expandPath(src)
	}

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}

	return config
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}

	return os.ExpandEnv(path)
}

// validateConfig validates the configuration
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Storage.DatabasePath == "" {
		return fmt.Errorf("database path not configured")
	}

	if config.Download.Dir == "" {
		return fmt.Errorf("download directory not configured")
	}

	if config.Download.HistoryLimit < 0 {
		return fmt.Errorf("download history limit cannot be negative")
	}

	if config.Download.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if config.Download.RateLimitBytes < 0 {
		return fmt.Errorf("download rate limit cannot be negative")
	}

	if config.Session.ClosedTabCapacity < 1 {
		return fmt.Errorf("closed tab capacity must be at least 1")
	}

	if config.Bus.Shards < 1 || config.Bus.QueueSize < 1 {
		return fmt.Errorf("event bus needs at least one shard and a queue size of at least 1")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}

// configValues flattens a config into viper keys
func configValues(config *domain.Config) map[string]interface{} {
	return map[string]interface{}{
		"server.host": config.Server.Host,
		"server.port": config.Server.Port,

		"storage.database_path": config.Storage.DatabasePath,

		"download.dir":              config.Download.Dir,
		"download.history_limit":    config.Download.HistoryLimit,
		"download.max_retries":      config.Download.MaxRetries,
		"download.retry_delay":      config.Download.RetryDelay.String(),
		"download.rate_limit_bytes": config.Download.RateLimitBytes,
		"download.user_agent":       config.Download.UserAgent,

		"filter.source":          config.Filter.Source,
		"filter.watch_source":    config.Filter.WatchSource,
		"filter.enabled_normal":  config.Filter.EnabledNormal,
		"filter.enabled_private": config.Filter.EnabledPrivate,
		"filter.fetch_timeout":   config.Filter.FetchTimeout.String(),

		"session.closed_tab_capacity": config.Session.ClosedTabCapacity,
		"session.scratch_dir":         config.Session.ScratchDir,

		"bus.shards":     config.Bus.Shards,
		"bus.queue_size": config.Bus.QueueSize,

		"notification.enabled": config.Notification.Enabled,
		"notification.sound":   config.Notification.Sound,
		"notification.method":  config.Notification.Method,

		"logging.level":       config.Logging.Level,
		"logging.format":      config.Logging.Format,
		"logging.output_path": config.Logging.OutputPath,
		"logging.logs_dir":    config.Logging.LogsDir,
	}
}

// SaveConfig saves configuration to file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range configValues(config) {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
