package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"theblock-network/cmd/cli"
	"theblock-network/core"
	"theblock-network/pkg/config"
	"theblock-network/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "theblock"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cli.Commands()...)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// Validation failures exit 2, I/O failures 1.
func exitCode(err error) int {
	for _, validation := range []error{
		core.ErrInvalidConfig,
		core.ErrUnknownAsset,
		core.ErrUnknownRelayer,
		core.ErrUnknownCommitment,
		core.ErrRelayerQuorumNotMet,
		core.ErrInsufficientBond,
		core.ErrRewardClaimRejected,
	} {
		if errors.Is(err, validation) {
			return 2
		}
	}
	return 1
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [config]",
		Short: "start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			lg := logrus.New()
			if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				lg.SetLevel(level)
			}

			engineCfg := core.EngineConfig{
				DefaultEngine: core.DefaultEngineKind(),
				Overrides:     make(map[string]core.EngineKind),
			}
			if cfg.Storage.DefaultEngine != "" {
				kind, err := core.ParseEngineKind(cfg.Storage.DefaultEngine)
				if err != nil {
					return err
				}
				engineCfg.DefaultEngine = kind
			}
			for name, label := range cfg.Storage.Overrides {
				kind, err := core.ParseEngineKind(label)
				if err != nil {
					return err
				}
				engineCfg.Overrides[name] = kind
			}
			core.ConfigureEngines(engineCfg)
			core.SetLegacyMode(cfg.Storage.LegacyMode)

			dbPath := cfg.Storage.DBPath
			if dbPath == "" {
				dbPath = utils.EnvOrDefault("TB_DB_PATH", "data/state")
			}
			store := core.OpenStateDB(core.CFDefault, dbPath)
			core.SetStore(store)

			bridge := core.OpenBridge(dbPath + "/bridge")
			bridge.SetLogger(lg)
			if inc := cfg.Bridge.Incentives; inc.MinBond != 0 || inc.DutyReward != 0 {
				core.SetGlobalIncentives(core.BridgeIncentiveParameters{
					MinBond:        inc.MinBond,
					DutyReward:     inc.DutyReward,
					FailureSlash:   inc.FailureSlash,
					ChallengeSlash: inc.ChallengeSlash,
					DutyWindowSecs: inc.DutyWindowSecs,
				})
			}
			for asset, channel := range cfg.Bridge.Channels {
				err := bridge.SetChannelConfig(asset, core.ChannelConfig{
					Asset:                   asset,
					ConfirmDepth:            channel.ConfirmDepth,
					FeePerByte:              channel.FeePerByte,
					ChallengePeriodSecs:     channel.ChallengePeriodSecs,
					RelayerQuorum:           channel.RelayerQuorum,
					HeadersDir:              channel.HeadersDir,
					RequiresSettlementProof: channel.RequiresSettlementProof,
					SettlementChain:         channel.SettlementChain,
				})
				if err != nil {
					return fmt.Errorf("channel %s: %w", asset, err)
				}
			}

			lg.WithFields(logrus.Fields{
				"runtime": core.GlobalRuntime().BackendName(),
				"backend": store.BackendName(),
			}).Info("node started")
			select {} // serve until killed
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	show := &cobra.Command{
		Use:   "show [config]",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			rendered, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(rendered)
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}
