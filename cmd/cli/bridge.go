package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	core "theblock-network/core"
	"theblock-network/pkg/utils"
)

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

func bridgeParseCommitment(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("invalid commitment")
	}
	copy(out[:], raw)
	return out, nil
}

func bridgeEngine() *core.Bridge {
	return core.OpenBridge(utils.EnvOrDefault("TB_DB_PATH", "data/state") + "/bridge")
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ---------------------------------------------------------------------
// CLI commands
// ---------------------------------------------------------------------

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Operate the cross-chain bridge",
}

var bridgeBondCmd = &cobra.Command{
	Use:   "bond <relayer> <amount>",
	Short: "Bond a relayer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount")
		}
		return bridgeEngine().BondRelayer(args[0], amount)
	},
}

var bridgeStatusCmd = &cobra.Command{
	Use:   "status <relayer> [asset]",
	Short: "Show a relayer's incentive ledger",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var asset *string
		if len(args) > 1 {
			asset = &args[1]
		}
		label, info, err := bridgeEngine().RelayerStatus(args[0], asset)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Asset string           `json:"asset,omitempty"`
			Info  core.RelayerInfo `json:"info"`
		}{label, info})
	},
}

var bridgeChallengeCmd = &cobra.Command{
	Use:   "challenge <asset> <commitment> <challenger>",
	Short: "Challenge an open withdrawal",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		commitment, err := bridgeParseCommitment(args[1])
		if err != nil {
			return err
		}
		return bridgeEngine().ChallengeWithdrawal(args[0], commitment, args[2])
	},
}

var bridgeFinalizeCmd = &cobra.Command{
	Use:   "finalize <asset> <commitment>",
	Short: "Finalise an open withdrawal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		commitment, err := bridgeParseCommitment(args[1])
		if err != nil {
			return err
		}
		return bridgeEngine().FinalizeWithdrawal(args[0], commitment)
	},
}

var bridgePendingCmd = &cobra.Command{
	Use:   "pending [asset]",
	Short: "List open withdrawals",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var asset *string
		if len(args) > 0 {
			asset = &args[0]
		}
		return printJSON(bridgeEngine().PendingWithdrawals(asset))
	},
}

var bridgeDutiesCmd = &cobra.Command{
	Use:   "duties [relayer] [asset]",
	Short: "Show the duty log",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var relayer, asset *string
		if len(args) > 0 {
			relayer = &args[0]
		}
		if len(args) > 1 {
			asset = &args[1]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return printJSON(bridgeEngine().DutyLog(relayer, asset, limit))
	},
}

var bridgeDisputesCmd = &cobra.Command{
	Use:   "disputes [asset]",
	Short: "Show the dispute audit view",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var asset *string
		if len(args) > 0 {
			asset = &args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		records, next := bridgeEngine().DisputeAudit(asset, nil, limit)
		return printJSON(struct {
			Records []core.DisputeRecord `json:"records"`
			Next    *uint64              `json:"next_cursor,omitempty"`
		}{records, next})
	},
}

var bridgeClaimCmd = &cobra.Command{
	Use:   "claim <relayer> <amount> <approval-key>",
	Short: "Claim pending rewards against a governance approval",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount")
		}
		claim, err := bridgeEngine().ClaimRewards(args[0], amount, args[2])
		if err != nil {
			return err
		}
		return printJSON(claim)
	},
}

func init() {
	bridgeDutiesCmd.Flags().Int("limit", 64, "maximum records")
	bridgeDisputesCmd.Flags().Int("limit", 64, "maximum records")
	bridgeCmd.AddCommand(bridgeBondCmd, bridgeStatusCmd, bridgeChallengeCmd,
		bridgeFinalizeCmd, bridgePendingCmd, bridgeDutiesCmd, bridgeDisputesCmd, bridgeClaimCmd)
}
