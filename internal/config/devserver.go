package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DevServerConfig holds configuration for the development broadcast server.
type DevServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Password       string   `yaml:"password" toml:"password"`
	RequireAuth    bool     `yaml:"require_auth" toml:"require_auth"`
	DisableAuth    bool     `yaml:"disable_auth" toml:"disable_auth"`
	RedisAddr      string   `yaml:"redis_addr" toml:"redis_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MetricsAddr    string   `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel       string   `yaml:"log_level" toml:"log_level"`
	ConfigFile     string   `yaml:"-" toml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *DevServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 4455
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("devserver.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *DevServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v, ok := os.LookupEnv("OBS_PASSWORD"); ok {
		c.Password = v
	}
	if v := GetEnv("REQUIRE_AUTH", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RequireAuth = b
		}
	}
	if v := GetEnv("DISABLE_AUTH", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DisableAuth = b
		}
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlags binds command line flags on fs using the current values as
// defaults.
func (c *DevServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "dev server config file path (.yaml or .toml)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "listen port for the WebSocket endpoint")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.Password, "password", c.Password, "password clients authenticate with when --require-auth is set")
	fs.BoolVar(&c.RequireAuth, "require-auth", c.RequireAuth, "close clients whose authentication does not match --password")
	fs.BoolVar(&c.DisableAuth, "disable-auth", c.DisableAuth, "send Hello without an authentication challenge")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for persistent slots; in-memory when empty")
	fs.Func("allowed-origins", "comma separated list of allowed CORS and WebSocket origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML or TOML file.
func (c *DevServerConfig) LoadFile(path string) error {
	return loadFile(path, c)
}

// ListenAddr is the address the WebSocket endpoint binds.
func (c *DevServerConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// ConfigFileFromArgs returns the value of a --config or -config argument, for
// loading the file before flags are parsed.
func ConfigFileFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := strings.TrimLeft(args[i], "-")
		if len(a) == len(args[i]) {
			continue
		}
		if a == "config" && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, "config=") {
			return strings.TrimPrefix(a, "config="), true
		}
	}
	return "", false
}
