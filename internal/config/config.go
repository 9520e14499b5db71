package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds all server configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file named by PTYMUX_CONFIG_FILE, then
// PTYMUX_* environment variables.
type Settings struct {
	Port     int    `envconfig:"PORT" yaml:"port"`
	DataPath string `envconfig:"DATA_PATH" yaml:"data_path"`
	LogPath  string `envconfig:"LOG_PATH" yaml:"log_path"`

	// Session settings
	DefaultShell   string `envconfig:"DEFAULT_SHELL" yaml:"default_shell"`
	BufferMaxBytes int    `envconfig:"BUFFER_MAX_BYTES" yaml:"buffer_max_bytes"`
	MaxSessions    int    `envconfig:"MAX_SESSIONS" yaml:"max_sessions"`

	// FlushInterval is how often dirty scrollback buffers are persisted.
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" yaml:"flush_interval"`

	// MonitorAuthKey gates the monitor-all WebSocket mode. Empty disables it.
	MonitorAuthKey string `envconfig:"MONITOR_AUTH_KEY" yaml:"monitor_auth_key"`
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		Port:           8090,
		DataPath:       "./data",
		BufferMaxBytes: 1024 * 1024,
		MaxSessions:    64,
		FlushInterval:  5 * time.Second,
	}
}

var Cfg Settings

// Load populates Cfg and exits on failure. Must be called before any other
// package reads Cfg.
func Load() {
	if err := load(os.Getenv("PTYMUX_CONFIG_FILE"), &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

func load(file string, cfg *Settings) error {
	*cfg = Defaults()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", file, err)
		}
	}

	// Environment wins over the file. Fields without a matching PTYMUX_*
	// variable are left untouched.
	if err := envconfig.Process("PTYMUX", cfg); err != nil {
		return fmt.Errorf("process env: %w", err)
	}

	if cfg.BufferMaxBytes <= 0 {
		return fmt.Errorf("buffer_max_bytes must be positive, got %d", cfg.BufferMaxBytes)
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", cfg.MaxSessions)
	}
	return nil
}
