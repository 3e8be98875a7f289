// Package commands implements the waba CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "waba",
		Short: "waba - WhatsApp Cloud API bridge to a language model",
		Long: `waba receives WhatsApp Business webhook notifications, groups each
user's bursts of messages and answers them with one model-generated reply.

Examples:
  waba serve
  waba serve --config ./config.yaml
  waba history 50688887777 --limit 20
  waba keys set openai_api_key`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newMigrateCmd(),
		newHistoryCmd(),
		newPendingCmd(),
		newKeysCmd(),
		newVersionCmd(version),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("waba %s\n", version)
		},
	}
}
