// Package config loads and validates the settlement engine configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full engine configuration, read from a yaml file with
// environment overrides (SETTLER_DATABASE_DSN and friends).
type Config struct {
	Log        LogConfig              `mapstructure:"log"`
	Database   DatabaseConfig         `mapstructure:"database"`
	API        APIConfig              `mapstructure:"api"`
	Kafka      KafkaConfig            `mapstructure:"kafka"`
	Dispatcher DispatcherConfig       `mapstructure:"dispatcher"`
	Tracker    TrackerConfig          `mapstructure:"tracker"`
	Chains     map[string]ChainConfig `mapstructure:"chains" validate:"required,min=1,dive"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type DispatcherConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	Workers            int           `mapstructure:"workers"`
	SubmitRetries      int           `mapstructure:"submit_retries"`
	SubmitRetryBackoff time.Duration `mapstructure:"submit_retry_backoff"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
}

type TrackerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxInterval   time.Duration `mapstructure:"max_interval"`
	Deadline      time.Duration `mapstructure:"deadline"`
	NotFoundLimit int           `mapstructure:"not_found_limit"`
}

// ChainConfig configures one chain adapter. SigningKey is custodial secret
// material; it must never be logged.
type ChainConfig struct {
	Family     string                 `mapstructure:"family" validate:"required,oneof=evm solana"`
	RPCURL     string                 `mapstructure:"rpc_url" validate:"required"`
	ChainID    int64                  `mapstructure:"chain_id"`
	SigningKey string                 `mapstructure:"signing_key" validate:"required"`
	Assets     map[string]AssetConfig `mapstructure:"assets" validate:"required,min=1,dive"`
}

// AssetConfig configures one asset on a chain. EVM assets use Contract
// (empty means native); Solana assets use Mint.
type AssetConfig struct {
	Contract string `mapstructure:"contract"`
	Mint     string `mapstructure:"mint"`
	Decimals int32  `mapstructure:"decimals" validate:"min=0,max=38"`
}

// Load reads the configuration file, applies env overrides and defaults,
// and validates the result. Unknown chain families are rejected here, at
// load time, not at dispatch time.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SETTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("dispatcher.interval", 15*time.Second)
	v.SetDefault("dispatcher.batch_size", 10)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.submit_retries", 2)
	v.SetDefault("dispatcher.submit_retry_backoff", time.Second)
	v.SetDefault("dispatcher.stale_after", 10*time.Minute)
	v.SetDefault("tracker.poll_interval", 2*time.Second)
	v.SetDefault("tracker.max_interval", 30*time.Second)
	v.SetDefault("tracker.deadline", 5*time.Minute)
	v.SetDefault("tracker.not_found_limit", 5)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	for name, chainCfg := range cfg.Chains {
		if err := validateChain(name, chainCfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func validateChain(name string, cfg ChainConfig) error {
	switch cfg.Family {
	case "evm":
		if cfg.ChainID == 0 {
			return fmt.Errorf("chain %s: evm chains require chain_id", name)
		}
	case "solana":
		for currency, asset := range cfg.Assets {
			if asset.Mint == "" {
				return fmt.Errorf("chain %s: asset %s requires a mint", name, currency)
			}
		}
	default:
		return fmt.Errorf("chain %s: unknown family %q", name, cfg.Family)
	}
	return nil
}
