package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix          = "GUILDSYNC"
	defaultConfigName  = "guildsync"
	defaultDBFile      = "guildsync.db"
	defaultLogLevel    = "info"
	defaultLogFormat   = "json"
	defaultRatePerSec  = 10
	defaultProgressGap = 20
)

type config struct {
	Token             string   `mapstructure:"token"`
	GuildID           string   `mapstructure:"guild-id"`
	DBFile            string   `mapstructure:"db-file"`
	VerifiedRoleID    string   `mapstructure:"verified-role-id"`
	LegacyRoleID      string   `mapstructure:"legacy-role-id"`
	ReplacementRoleID string   `mapstructure:"replacement-role-id"`
	ForumChannelIDs   []string `mapstructure:"forum-channel-ids"`
	ProgressChannelID string   `mapstructure:"progress-channel-id"`
	ProgressStride    int      `mapstructure:"progress-stride"`
	SaveEvery         int      `mapstructure:"save-every"`
	RatePerSecond     int      `mapstructure:"rate-per-second"`
	RetryFailed       bool     `mapstructure:"retry-failed"`
	LogLevel          string   `mapstructure:"log-level"`
	LogFormat         string   `mapstructure:"log-format"`
	LogFile           string   `mapstructure:"log-file"`
}

// loadConfig reads guildsync.yaml, the GUILDSYNC_* environment, and the
// command's flags into one config, in increasing order of precedence.
func loadConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(defaultConfigName)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.DBFile == "" {
		cfg.DBFile = defaultDBFile
	}
	if cfg.ProgressStride <= 0 {
		cfg.ProgressStride = defaultProgressGap
	}
	if cfg.SaveEvery <= 0 {
		cfg.SaveEvery = 1
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSec
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	return cfg, nil
}

func (c *config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("a bot token is required")
	}
	if c.GuildID == "" {
		return fmt.Errorf("a guild id is required")
	}
	return nil
}
