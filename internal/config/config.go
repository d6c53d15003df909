package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the sync client
type Config struct {
	// Server is the base URL of the remote authority (e.g. "https://sync.example.com")
	Server string `mapstructure:"server"`

	// ConfigPath is the path to the configuration file
	ConfigPath string `mapstructure:"-"`

	// Verbose enables debug logging
	Verbose bool `mapstructure:"verbose"`

	// SessionPath is the path to the session file
	SessionPath string `mapstructure:"session_path"`

	// DBPath is the path to the local SQLite database
	DBPath string `mapstructure:"db_path"`

	// DeviceID is a unique identifier for this device (UUID v4)
	DeviceID string `mapstructure:"device_id"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	appDir := filepath.Join(homeDir, ".possync")

	return &Config{
		Server:      "http://localhost:8080",
		Verbose:     false,
		SessionPath: filepath.Join(appDir, "session.json"),
		DBPath:      filepath.Join(appDir, "possync.db"),
	}
}

// Load loads configuration from file and environment variables.
// Priority (highest to lowest): Environment variables > Config file > Defaults
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
		}
		cfg.ConfigPath = configPath
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			appDir := filepath.Join(homeDir, ".possync")
			v.AddConfigPath(appDir)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			cfg.ConfigPath = filepath.Join(appDir, "config.yaml")
		}
	}

	v.SetEnvPrefix("POSSYNC")
	v.AutomaticEnv()

	v.BindEnv("server")
	v.BindEnv("verbose")
	v.BindEnv("session_path")
	v.BindEnv("db_path")
	v.BindEnv("device_id")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logrus.Debug("No config file found, using defaults")
	} else {
		logrus.Debugf("Using config file: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		v.Set("device_id", cfg.DeviceID)

		// Best effort: the device id should survive restarts, but a
		// read-only config location must not block startup
		if cfg.ConfigPath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0700); err == nil {
				if err := v.WriteConfigAs(cfg.ConfigPath); err != nil {
					logrus.WithError(err).Debug("could not persist device id")
				}
			}
		}
	}

	return cfg, nil
}

// EnsureDirectories ensures that all necessary directories exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.SessionPath),
		filepath.Dir(c.DBPath),
		filepath.Dir(c.ConfigPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
