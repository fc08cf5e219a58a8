package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/loom/errors"
)

// tomlConfig mirrors Config with toml tags for serialization.
// mapstructure tags drive viper reads; this shape drives writes.
type tomlConfig struct {
	Log struct {
		JSON bool `toml:"json"`
	} `toml:"log"`
	Tasks struct {
		Workers                int `toml:"workers"`
		WatchdogTimeoutSeconds int `toml:"watchdog_timeout_seconds"`
	} `toml:"tasks"`
	Server struct {
		Port            int      `toml:"port"`
		AllowedOrigins  []string `toml:"allowed_origins"`
		MaxRequestBytes int      `toml:"max_request_bytes"`
	} `toml:"server"`
	Client struct {
		KeepAlive         bool `toml:"keep_alive"`
		FollowRedirects   bool `toml:"follow_redirects"`
		MaxRedirects      int  `toml:"max_redirects"`
		TimeoutMS         int  `toml:"timeout_ms"`
		RequestsPerMinute int  `toml:"requests_per_minute"`
	} `toml:"client"`
	Websocket struct {
		PingIntervalMS   int  `toml:"ping_interval_ms"`
		AutoReconnect    bool `toml:"auto_reconnect"`
		ReconnectDelayMS int  `toml:"reconnect_delay_ms"`
		MaxMessageBytes  int  `toml:"max_message_bytes"`
	} `toml:"websocket"`
}

func toTOML(c *Config) tomlConfig {
	var t tomlConfig
	t.Log.JSON = c.Log.JSON
	t.Tasks.Workers = c.Tasks.Workers
	t.Tasks.WatchdogTimeoutSeconds = c.Tasks.WatchdogTimeoutSeconds
	t.Server.Port = c.Server.Port
	t.Server.AllowedOrigins = c.Server.AllowedOrigins
	t.Server.MaxRequestBytes = c.Server.MaxRequestBytes
	t.Client.KeepAlive = c.Client.KeepAlive
	t.Client.FollowRedirects = c.Client.FollowRedirects
	t.Client.MaxRedirects = c.Client.MaxRedirects
	t.Client.TimeoutMS = c.Client.TimeoutMS
	t.Client.RequestsPerMinute = c.Client.RequestsPerMinute
	t.Websocket.PingIntervalMS = c.Websocket.PingIntervalMS
	t.Websocket.AutoReconnect = c.Websocket.AutoReconnect
	t.Websocket.ReconnectDelayMS = c.Websocket.ReconnectDelayMS
	t.Websocket.MaxMessageBytes = c.Websocket.MaxMessageBytes
	return t
}

// Write serializes the config as TOML to the given path, creating parent
// directories as needed. An existing file is backed up to <path>.back first.
func Write(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}

	if _, err := os.Stat(path); err == nil {
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "failed to read config for backup")
		}
		if err := os.WriteFile(path+".back", content, 0644); err != nil {
			return errors.Wrap(err, "failed to write config backup")
		}
	}

	data, err := toml.Marshal(toTOML(c))
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config to %s", path)
	}
	return nil
}

// WriteDefault writes a default config file to the given path.
func WriteDefault(path string) error {
	return Write(Default(), path)
}
