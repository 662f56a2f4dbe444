package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/types"
)

// Config is the daemon configuration read from /etc/burrow/daemon.yaml.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	DataDir   string `yaml:"data_dir"`
	UnitPaths []string `yaml:"unit_paths"`

	DefaultTimeoutStartSec time.Duration `yaml:"default_timeout_start_sec"`
	DefaultTimeoutStopSec  time.Duration `yaml:"default_timeout_stop_sec"`

	NotifySocket  string `yaml:"notify_socket"`
	CommandSocket string `yaml:"command_socket"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:               "info",
		DataDir:                "/var/lib/burrow",
		DefaultTimeoutStartSec: 90 * time.Second,
		DefaultTimeoutStopSec:  90 * time.Second,
		NotifySocket:           "/run/burrow/notify",
		CommandSocket:          "/run/burrow/burrow.sock",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, types.WrapError(types.ErrIo, "reading "+path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, types.WrapError(types.ErrConfigure, "parsing "+path, err)
	}
	return cfg, nil
}
