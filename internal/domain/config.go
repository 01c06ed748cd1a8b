package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Download     DownloadConfig     `mapstructure:"download"`
	Filter       FilterConfig       `mapstructure:"filter"`
	Session      SessionConfig      `mapstructure:"session"`
	Bus          BusConfig          `mapstructure:"bus"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageConfig contains the durable Normal store configuration
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// DownloadConfig contains download-related configuration
type DownloadConfig struct {
	Dir            string        `mapstructure:"dir"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RateLimitBytes int           `mapstructure:"rate_limit_bytes"` // 0 disables the cap
	UserAgent      string        `mapstructure:"user_agent"`
}

// FilterConfig contains request filter configuration
type FilterConfig struct {
	Source         string        `mapstructure:"source"` // file path or http(s) URL, empty for the builtin list
	WatchSource    bool          `mapstructure:"watch_source"`
	EnabledNormal  bool          `mapstructure:"enabled_normal"`
	EnabledPrivate bool          `mapstructure:"enabled_private"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

// SessionConfig contains window/tab and private context configuration
type SessionConfig struct {
	ClosedTabCapacity int    `mapstructure:"closed_tab_capacity"`
	ScratchDir        string `mapstructure:"scratch_dir"`
}

// BusConfig contains event bus sizing
type BusConfig struct {
	Shards    int `mapstructure:"shards"`
	QueueSize int `mapstructure:"queue_size"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sound   bool   `mapstructure:"sound"`
	Method  string `mapstructure:"method"` // osascript, notify-send, etc.
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // categorised log files, empty disables
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Storage: StorageConfig{
			DatabasePath: "$HOME/.browsecore/browsecore.db",
		},
		Download: DownloadConfig{
			Dir:            "$HOME/Downloads",
			HistoryLimit:   100,
			MaxRetries:     3,
			RetryDelay:     2 * time.Second,
			RateLimitBytes: 0,
			UserAgent:      "browsecore/1.0",
		},
		Filter: FilterConfig{
			Source:         "",
			WatchSource:    true,
			EnabledNormal:  true,
			EnabledPrivate: true,
			FetchTimeout:   30 * time.Second,
		},
		Session: SessionConfig{
			ClosedTabCapacity: DefaultClosedTabCapacity,
			ScratchDir:        "",
		},
		Bus: BusConfig{
			Shards:    4,
			QueueSize: 256,
		},
		Notification: NotificationConfig{
			Enabled: true,
			Sound:   true,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "$HOME/.browsecore/logs",
		},
	}
}
