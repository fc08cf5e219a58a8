package config

import "fmt"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Workers: 0 = no async workers (async tasks, delayed or not, are queued but never run), negative = invalid
	if c.Tasks.Workers < 0 {
		return fmt.Errorf("tasks.workers must be >= 0, got %d", c.Tasks.Workers)
	}

	// Watchdog: 0 = disabled, negative = invalid
	if c.Tasks.WatchdogTimeoutSeconds < 0 {
		return fmt.Errorf("tasks.watchdog_timeout_seconds must be >= 0 (0 = disabled), got %d", c.Tasks.WatchdogTimeoutSeconds)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port)
	}
	if c.Server.MaxRequestBytes <= 0 {
		return fmt.Errorf("server.max_request_bytes must be > 0, got %d", c.Server.MaxRequestBytes)
	}

	if c.Client.MaxRedirects < 0 {
		return fmt.Errorf("client.max_redirects must be >= 0, got %d", c.Client.MaxRedirects)
	}
	if c.Client.TimeoutMS < 0 {
		return fmt.Errorf("client.timeout_ms must be >= 0 (0 = no timeout), got %d", c.Client.TimeoutMS)
	}
	if c.Client.RequestsPerMinute < 0 {
		return fmt.Errorf("client.requests_per_minute must be >= 0 (0 = unlimited), got %d", c.Client.RequestsPerMinute)
	}

	if c.Websocket.PingIntervalMS < 0 {
		return fmt.Errorf("websocket.ping_interval_ms must be >= 0 (0 = disabled), got %d", c.Websocket.PingIntervalMS)
	}
	if c.Websocket.ReconnectDelayMS < 0 {
		return fmt.Errorf("websocket.reconnect_delay_ms must be >= 0, got %d", c.Websocket.ReconnectDelayMS)
	}
	if c.Websocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket.max_message_bytes must be > 0, got %d", c.Websocket.MaxMessageBytes)
	}

	return nil
}
