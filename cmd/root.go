package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// configPath is the --config flag shared by every command.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "livehub",
	Short: "livehub — digital human interaction hub",
	Long: `livehub connects a digital human to its audience: WebSocket clients
and live-streaming platforms feed one admission pipeline and one response
unit, and replies flow back to where each message came from.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.livehub/config.json)")
}
