package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig contains the transport and logging settings of the assignment client.
// Everything the user passes on the command line lives in Options instead.
type ClientConfig struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains PrimeNet connection configuration.
type ServerConfig struct {
	V5URL           string        `mapstructure:"v5_url"`
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	CheckIn         time.Duration `mapstructure:"check_in"`
}

// LoadClient loads the client configuration from the given path.
// If configPath is empty, it looks for primenet.yaml in the config/ directory.
// Environment variables with PRIMENET_ prefix override config file values.
func LoadClient(configPath string) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("server.v5_url", "http://v5.mersenne.org/v5server/")
	v.SetDefault("server.base_url", "https://www.mersenne.org/")
	v.SetDefault("server.timeout", 60*time.Second)
	v.SetDefault("server.max_attempts", 5)
	v.SetDefault("server.retry_backoff", 1*time.Second)
	v.SetDefault("server.max_retry_backoff", 1*time.Minute)
	v.SetDefault("server.check_in", 24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("primenet")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PRIMENET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Server.MaxAttempts < 1 {
		return nil, fmt.Errorf("server.max_attempts must be at least 1, got %d", cfg.Server.MaxAttempts)
	}

	return &cfg, nil
}
