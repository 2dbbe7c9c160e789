package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "geobatch",
	Short: "Batch geocoding job orchestrator",
	Long: `geobatch schedules address-source processing jobs onto external
batch compute, tracks their lifecycle through runs, and serves the
resulting data set and user exports over HTTP.`,
}

func Execute() {
	settingDefaultConfig()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
