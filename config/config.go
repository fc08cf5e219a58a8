package config

// Config represents the core loom runtime configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON structured output instead of console
}

// TasksConfig configures the task group and watchdog
type TasksConfig struct {
	Workers                int `mapstructure:"workers"`                  // Number of async worker goroutines
	WatchdogTimeoutSeconds int `mapstructure:"watchdog_timeout_seconds"` // Abort if a single task runs longer (0 = disabled)
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	MaxRequestBytes int      `mapstructure:"max_request_bytes"` // rx buffer safety cap per connection
}

// ClientConfig configures the HTTP client
type ClientConfig struct {
	KeepAlive          bool `mapstructure:"keep_alive"`
	FollowRedirects    bool `mapstructure:"follow_redirects"`
	MaxRedirects       int  `mapstructure:"max_redirects"`
	TimeoutMS          int  `mapstructure:"timeout_ms"`
	RequestsPerMinute  int  `mapstructure:"requests_per_minute"` // per-host rate limit (0 = unlimited)
}

// WebsocketConfig configures the WebSocket client
type WebsocketConfig struct {
	PingIntervalMS   int  `mapstructure:"ping_interval_ms"`
	AutoReconnect    bool `mapstructure:"auto_reconnect"`
	ReconnectDelayMS int  `mapstructure:"reconnect_delay_ms"`
	MaxMessageBytes  int  `mapstructure:"max_message_bytes"`
}

// Default port constants
const (
	DefaultServerPort = 8970
)
