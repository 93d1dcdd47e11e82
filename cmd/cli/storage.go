package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	core "theblock-network/core"
	"theblock-network/pkg/utils"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect the storage facade",
}

var storageBackendCmd = &cobra.Command{
	Use:   "backend [cf]",
	Short: "Show the resolved engine for a column family",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := core.CFDefault
		if len(args) > 0 {
			name = args[0]
		}
		db := core.OpenStateDB(name, utils.EnvOrDefault("TB_DB_PATH", "data/state"))
		defer db.Close()
		fmt.Printf("%s: %s\n", name, db.BackendName())
		return nil
	},
}

var storageCompactCmd = &cobra.Command{
	Use:   "compact [cf]",
	Short: "Request a manual compaction",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := core.CFDefault
		if len(args) > 0 {
			name = args[0]
		}
		db := core.OpenStateDB(name, utils.EnvOrDefault("TB_DB_PATH", "data/state"))
		defer db.Close()
		return db.Compact()
	},
}

var storageShardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "List shard column families",
	RunE: func(cmd *cobra.Command, args []string) error {
		db := core.OpenStateDB(core.CFDefault, utils.EnvOrDefault("TB_DB_PATH", "data/state"))
		defer db.Close()
		for _, shard := range db.ShardIDs() {
			fmt.Println(shard)
		}
		return nil
	},
}

func init() {
	storageCmd.AddCommand(storageBackendCmd, storageCompactCmd, storageShardsCmd)
}
