package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("log.json", false)

	// Task group defaults
	v.SetDefault("tasks.workers", 2)
	v.SetDefault("tasks.watchdog_timeout_seconds", 180)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.max_request_bytes", 1024*1024)

	// HTTP client defaults
	v.SetDefault("client.keep_alive", false)
	v.SetDefault("client.follow_redirects", true)
	v.SetDefault("client.max_redirects", 5)
	v.SetDefault("client.timeout_ms", 30000)
	v.SetDefault("client.requests_per_minute", 0)

	// WebSocket client defaults
	v.SetDefault("websocket.ping_interval_ms", 30000)
	v.SetDefault("websocket.auto_reconnect", false)
	v.SetDefault("websocket.reconnect_delay_ms", 5000)
	v.SetDefault("websocket.max_message_bytes", 16*1024*1024)
}
