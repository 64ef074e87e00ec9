package config

import (
	"time"
)

// ClientConfig holds the operator tool's settings. The long/env tags are read
// by go-flags; file values are loaded first and act as defaults.
type ClientConfig struct {
	URL               string        `yaml:"obs_url" toml:"obs_url" long:"obs-url" env:"OBS_URL" description:"broadcast endpoint WebSocket URL"`
	Password          string        `yaml:"obs_password" toml:"obs_password" long:"password" env:"OBS_PASSWORD" description:"broadcast endpoint password; empty by default"`
	NoPassword        bool          `yaml:"no_password" toml:"no_password" long:"no-password" env:"OBS_NO_PASSWORD" description:"refuse authentication challenges instead of answering with the password"`
	Reconnect         bool          `yaml:"reconnect" toml:"reconnect" long:"reconnect" env:"OBS_RECONNECT" description:"reconnect after unplanned disconnects (watch only)"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" toml:"reconnect_interval" long:"reconnect-interval" env:"OBS_RECONNECT_INTERVAL" description:"delay between reconnect attempts"`
	ReconnectPolicy   string        `yaml:"reconnect_policy" toml:"reconnect_policy" long:"reconnect-policy" env:"OBS_RECONNECT_POLICY" choice:"fixed" choice:"stepped" description:"reconnect delay policy"`
	RequestTimeout    time.Duration `yaml:"request_timeout" toml:"request_timeout" long:"request-timeout" env:"REQUEST_TIMEOUT" description:"per-request timeout"`
	TorneopalURL      string        `yaml:"torneopal_url" toml:"torneopal_url" long:"torneopal-url" env:"TORNEOPAL_URL" description:"Torneopal REST base URL"`
	APIKey            string        `yaml:"torneopal_api_key" toml:"torneopal_api_key" long:"api-key" env:"TORNEOPAL_API_KEY" description:"Torneopal API key; falls back to the stored key"`
	StorePath         string        `yaml:"store_path" toml:"store_path" long:"store" env:"TASO_STORE" description:"local state file"`
	LogLevel          string        `yaml:"log_level" toml:"log_level" long:"log-level" env:"LOG_LEVEL" description:"log verbosity (all, debug, info, warn, error, fatal, none)"`
	ConfigFile        string        `yaml:"-" toml:"-" long:"config" env:"CONFIG_FILE" description:"config file path (.yaml or .toml)"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ClientConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = "ws://localhost:4455"
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.ReconnectPolicy == "" {
		c.ReconnectPolicy = "fixed"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.TorneopalURL == "" {
		c.TorneopalURL = "https://salibandy.api.torneopal.com/taso/rest/"
	}
	if c.StorePath == "" {
		c.StorePath = DefaultDataPath("tasoctl.json")
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("tasoctl.yaml")
	}
}

// LoadFile populates the config from a YAML or TOML file.
func (c *ClientConfig) LoadFile(path string) error {
	return loadFile(path, c)
}

// HasPassword reports whether challenges should be answered. The empty
// password is a valid answer, matching the endpoint's default.
func (c *ClientConfig) HasPassword() bool { return !c.NoPassword }
