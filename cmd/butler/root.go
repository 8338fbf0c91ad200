package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "butler",
	Short: "Personal butler agent orchestrator",
	Long: `Butler turns a request into delegated, permission-checked actions and
reports back in one reply.

With no arguments, starts an interactive chat session. Each turn is
classified, routed to specialized sub-agents (scheduler, communicator,
navigator, researcher) where needed, and every side-effecting tool call
goes through the permission engine: reads run freely, writes ask you
first, destructive actions additionally require a one-time token.

Capability providers are shell commands configured under "tools:" in
.butler.yaml; lifecycle hooks under "hooks:" can observe or veto tool
calls.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
