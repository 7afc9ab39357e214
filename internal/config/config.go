package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "VESTAKE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "vestake.db"
	defaultLogLevel     = "info"
	defaultEpochLength  = int64(7 * 24 * 3600)
	defaultEngineID     = "default"
	defaultMinEpochs    = int64(1)
	defaultMaxEpochs    = int64(100)
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AuthSigningKey  string
	DatabasePath    string
	LogLevel        string
	EpochStartSec   int64
	EpochLengthSec  int64
	RewardEngineID  string
	RewardSymbol    string
	RewardMinReward *big.Int
	RewardMinEpochs int64
	RewardMaxEpochs int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("epoch.start_s", time.Now().UTC().Unix())
	configViper.SetDefault("epoch.length_s", defaultEpochLength)
	configViper.SetDefault("rewards.engine_id", defaultEngineID)
	configViper.SetDefault("rewards.min_reward", "0")
	configViper.SetDefault("rewards.min_epochs", defaultMinEpochs)
	configViper.SetDefault("rewards.max_epochs", defaultMaxEpochs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AuthSigningKey:  configViper.GetString("auth.signing_secret"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		EpochStartSec:   configViper.GetInt64("epoch.start_s"),
		EpochLengthSec:  configViper.GetInt64("epoch.length_s"),
		RewardEngineID:  configViper.GetString("rewards.engine_id"),
		RewardSymbol:    configViper.GetString("rewards.symbol"),
		RewardMinEpochs: configViper.GetInt64("rewards.min_epochs"),
		RewardMaxEpochs: configViper.GetInt64("rewards.max_epochs"),
	}

	minReward, ok := new(big.Int).SetString(configViper.GetString("rewards.min_reward"), 10)
	if !ok || minReward.Sign() < 0 {
		return AppConfig{}, fmt.Errorf("rewards.min_reward must be a non-negative integer")
	}
	cfg.RewardMinReward = minReward

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.EpochStartSec < 0 {
		return fmt.Errorf("epoch.start_s must not be negative")
	}
	if c.EpochLengthSec <= 0 {
		return fmt.Errorf("epoch.length_s must be positive")
	}
	if c.RewardMinEpochs < 1 {
		return fmt.Errorf("rewards.min_epochs must be at least 1")
	}
	if c.RewardMaxEpochs < c.RewardMinEpochs {
		return fmt.Errorf("rewards.max_epochs must not be below rewards.min_epochs")
	}
	return nil
}
