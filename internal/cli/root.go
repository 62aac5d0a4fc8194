// Package cli wires the dropbeam commands: hosting a session, sending and
// receiving files over either backend, running the rendezvous broker, and
// inspecting transfer history.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  `dropbeam`,
	Long: `dropbeam transfers files between two devices with a short session code`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(recvCmd)
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(historyCmd)
}
