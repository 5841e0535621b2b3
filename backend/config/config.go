package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries all process settings. Values come from an optional yaml
// file, overridden by KOYIBHI_* env vars, overridden again by flags in main.
type Config struct {
	APIListenAddr string `mapstructure:"api_listen_addr"`
	WSListenAddr  string `mapstructure:"ws_listen_addr"`
	StaticPath    string `mapstructure:"static_path"`
	LogLevel      string `mapstructure:"log_level"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("static_path", "./public")
	v.SetDefault("log_level", "debug")

	v.SetEnvPrefix("koyibhi")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
