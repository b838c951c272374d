package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	storageDir string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "expirysweep",
	Short: "Delete expired records from a Firestore collection hierarchy",
	Long: `expirysweep lists every parent document of a collection and deletes the
records of each parent's sub-collection whose expiry has passed, in atomic
batches. It runs the same sweeper as the Caddy "expirysweep" app.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", `directory used for the "storage" lock`)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(versionCmd)
}
