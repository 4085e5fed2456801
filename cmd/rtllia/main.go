package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rezaa1/rtllia/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:           "rtllia",
	Short:         "rtllia is a real-time chat and voice session gateway",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and --log-format are parsed
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		return logging.Setup(logging.Settings{Level: level, Format: format})
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", logging.FormatAuto, "log format (auto, json, console)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newSessionsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
