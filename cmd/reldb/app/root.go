package app

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagDB      string
	flagIndex   string
	flagWorkers int
)

func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "reldb",
		Short: "storage-core utility: drive a B+Tree index on a database file",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a .env file is optional outside of dev setups
			_ = godotenv.Load()
		},
	}

	root.PersistentFlags().
		StringVar(&flagDB, "db", "reldb.db",
			"database file, resolved inside RELDB_DATA_DIR unless absolute")
	root.PersistentFlags().
		StringVar(&flagIndex, "index", "primary", "index name on the header page")
	root.PersistentFlags().
		IntVar(&flagWorkers, "workers", 1, "parallel insert workers")

	load := &cobra.Command{
		Use:   "load <keyfile>",
		Short: "insert integer keys, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(args[0])
		},
	}

	remove := &cobra.Command{
		Use:   "remove <keyfile>",
		Short: "remove integer keys, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(args[0])
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "print all keys in ascending order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan()
		},
	}

	root.AddCommand(load, remove, scan)

	return root
}
