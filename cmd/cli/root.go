package cli

import "github.com/spf13/cobra"

// Commands returns the operator command set mounted under the node binary.
func Commands() []*cobra.Command {
	return []*cobra.Command{bridgeCmd, storageCmd, selectionCmd}
}
