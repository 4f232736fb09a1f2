// Package config loads server configuration from files and environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds server configuration.
type Config struct {
	Port int `mapstructure:"port"`

	// AgentBinary is the upstream agent CLI invoked per turn.
	AgentBinary string `mapstructure:"agent_binary"`
	// WorkDir is the working directory agent processes run in.
	WorkDir string `mapstructure:"work_dir"`

	HistoryDir  string `mapstructure:"history_dir"`
	ArtifactDir string `mapstructure:"artifact_dir"`

	MaxContextTokens int `mapstructure:"max_context_tokens"`

	GracePeriod       time.Duration `mapstructure:"grace_period"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:              8420,
		AgentBinary:       "claude",
		WorkDir:           ".",
		HistoryDir:        "./history",
		ArtifactDir:       "./artifacts",
		MaxContextTokens:  200_000,
		GracePeriod:       45 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "claude-relay"))
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("port", defaults.Port)
	v.SetDefault("agent_binary", defaults.AgentBinary)
	v.SetDefault("work_dir", defaults.WorkDir)
	v.SetDefault("history_dir", defaults.HistoryDir)
	v.SetDefault("artifact_dir", defaults.ArtifactDir)
	v.SetDefault("max_context_tokens", defaults.MaxContextTokens)
	v.SetDefault("grace_period", defaults.GracePeriod)
	v.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	v.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
