package config

// Package config loads the node's TOML configuration: network basics, the
// storage engine selection, and the bridge incentive and channel policy.
// Environment variables override file values through viper's automatic
// binding.

import (
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"theblock-network/pkg/utils"
)

// Config mirrors the node configuration file.
type Config struct {
	Network struct {
		ID         string   `mapstructure:"id" json:"id"`
		ChainID    int      `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers   int      `mapstructure:"max_peers" json:"max_peers"`
		P2PPort    int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr string   `mapstructure:"listen_addr" json:"listen_addr"`
		Bootstrap  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		DBPath        string            `mapstructure:"db_path" json:"db_path"`
		DefaultEngine string            `mapstructure:"default_engine" json:"default_engine"`
		Overrides     map[string]string `mapstructure:"overrides" json:"overrides"`
		LegacyMode    bool              `mapstructure:"legacy_mode" json:"legacy_mode"`
	} `mapstructure:"storage" json:"storage"`

	Bridge struct {
		Incentives struct {
			MinBond        uint64 `mapstructure:"min_bond" json:"min_bond"`
			DutyReward     uint64 `mapstructure:"duty_reward" json:"duty_reward"`
			FailureSlash   uint64 `mapstructure:"failure_slash" json:"failure_slash"`
			ChallengeSlash uint64 `mapstructure:"challenge_slash" json:"challenge_slash"`
			DutyWindowSecs uint64 `mapstructure:"duty_window_secs" json:"duty_window_secs"`
		} `mapstructure:"incentives" json:"incentives"`
		Channels map[string]ChannelConfig `mapstructure:"channels" json:"channels"`
	} `mapstructure:"bridge" json:"bridge"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// ChannelConfig is the file form of a bridge channel policy.
type ChannelConfig struct {
	ConfirmDepth            uint64  `mapstructure:"confirm_depth" json:"confirm_depth"`
	FeePerByte              uint64  `mapstructure:"fee_per_byte" json:"fee_per_byte"`
	ChallengePeriodSecs     uint64  `mapstructure:"challenge_period_secs" json:"challenge_period_secs"`
	RelayerQuorum           uint32  `mapstructure:"relayer_quorum" json:"relayer_quorum"`
	HeadersDir              string  `mapstructure:"headers_dir" json:"headers_dir"`
	RequiresSettlementProof bool    `mapstructure:"requires_settlement_proof" json:"requires_settlement_proof"`
	SettlementChain         *string `mapstructure:"settlement_chain" json:"settlement_chain,omitempty"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the TOML configuration at path (or the default search paths
// when path is empty) into AppConfig and returns it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("node")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}
	v.AutomaticEnv()
	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration from the file named by TB_NODE_CONFIG.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TB_NODE_CONFIG", ""))
}

// YAML renders the effective configuration for `config show`.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}
