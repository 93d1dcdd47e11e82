package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	core "theblock-network/core"
)

var selectionCmd = &cobra.Command{
	Use:   "selection",
	Short: "Manage the selection proof registry",
}

var selectionInstallCmd = &cobra.Command{
	Use:   "install <manifest.json>",
	Short: "Install a circuit manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		version, err := core.InstallSelectionManifest(raw)
		if err != nil {
			return err
		}
		fmt.Printf("installed manifest epoch %d\n", version.Epoch)
		return nil
	},
}

var selectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered circuits",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(core.SelectionCircuitSummaries())
	},
}

var selectionVerifyCmd = &cobra.Command{
	Use:   "verify <circuit-id> <proof.json> <commitment>",
	Short: "Verify a selection proof envelope",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		proof, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("invalid commitment")
		}
		var commitment [32]byte
		copy(commitment[:], raw)
		verification, err := core.VerifySelectionProof(args[0], proof, commitment)
		if err != nil {
			return err
		}
		return printJSON(verification)
	},
}

func init() {
	selectionCmd.AddCommand(selectionInstallCmd, selectionListCmd, selectionVerifyCmd)
}
