package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the configuration in priority order: defaults first,
// then the configuration file, then SPARK_-prefixed environment
// variables. An explicitly given path must exist and parse; without
// one, sparkd.toml is searched for in the working directory,
// ~/.config/spark and /etc/spark, and running with no file at all is
// fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("sparkd")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "spark"))
		}
		v.AddConfigPath("/etc/spark")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SPARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.configPath = v.ConfigFileUsed()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveExample writes a starter configuration file to path. It refuses
// to overwrite an existing file.
func SaveExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	v := viper.New()
	for key, value := range exampleValues() {
		v.Set(key, value)
	}

	v.SetConfigFile(path)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}
