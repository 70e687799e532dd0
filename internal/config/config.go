// Package config loads tasknest configuration via viper.
//
// Configuration lives at ~/.tasknest/config.yaml by default; every key can
// be overridden with a TASKNEST_-prefixed environment variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig configures one external account.
type AccountConfig struct {
	Service string `mapstructure:"service"`
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`

	// Path is the backing directory for localdir accounts.
	Path string `mapstructure:"path"`
}

// Config is the full tasknest configuration.
type Config struct {
	DBPath        string          `mapstructure:"db_path"`
	LogFile       string          `mapstructure:"log_file"`
	SyncInterval  time.Duration   `mapstructure:"sync_interval"`
	SyncStagger   time.Duration   `mapstructure:"sync_stagger"`
	DashboardPort int             `mapstructure:"dashboard_port"`
	Accounts      []AccountConfig `mapstructure:"accounts"`
}

// Dir returns the tasknest home directory (~/.tasknest).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasknest"
	}
	return filepath.Join(home, ".tasknest")
}

// Load reads configuration from path, or from the default location when
// path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("db_path", filepath.Join(Dir(), "tasknest.db"))
	v.SetDefault("log_file", filepath.Join(Dir(), "tasknest.log"))
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("sync_stagger", 10*time.Second)
	v.SetDefault("dashboard_port", 7833)

	v.SetEnvPrefix("TASKNEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing default config is fine; an explicit path must exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i, acct := range cfg.Accounts {
		if acct.Service == "" || acct.ID == "" {
			return nil, fmt.Errorf("account %d must set service and id", i)
		}
	}

	return &cfg, nil
}
