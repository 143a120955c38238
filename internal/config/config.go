package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Agent  AgentConfig
	Daemon DaemonConfig
	UI     UIConfig
}

// AgentConfig locates the local agent.
type AgentConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// DaemonConfig holds settings for the local agent daemon (devicelinkd).
type DaemonConfig struct {
	Listen         string
	DatabasePath   string `mapstructure:"database_path"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// UIConfig holds presentation settings.
type UIConfig struct {
	Timezone string
}

// Load reads configuration from file and env. Env var overrides use prefix DEVICELINK_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("agent.base_url", "http://localhost:3001")
	v.SetDefault("daemon.listen", "localhost:3001")
	v.SetDefault("daemon.database_path", filepath.Join(os.Getenv("HOME"), ".local", "share", "devicelink", "agent.db"))
	v.SetDefault("daemon.migrations_path", "internal/agentd/migrations")
	v.SetDefault("ui.timezone", "Local")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("DEVICELINK_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "devicelink"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("DEVICELINK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}
