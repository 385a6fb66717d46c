package cmd

import (
	"github.com/spf13/cobra"
)

var (
	verbose  bool
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "morsel",
	Short: "MorseL hub server and client",
	Long: `MorseL provides bidirectional remote method invocation over WebSocket.

Hubs are configured with HCL (HashiCorp Configuration Language). Connected
clients can invoke hub methods, and hubs can invoke methods on one client,
a group of clients, or every client.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func GetVerbose() bool {
	return verbose
}

func GetDebug() bool {
	return debug
}
