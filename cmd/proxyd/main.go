// proxyd - dynamic reverse-proxy mapping engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "proxyd",
	Short: "Dynamic reverse-proxy mapping engine",
	Long: `proxyd keeps a table of port mappings, runs a TCP proxy listener for
each one, and reconciles the table against a host-level port-forwarding
mechanism. An HTTP admin API on a fixed port drives the whole thing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("proxyd %s (commit %s, built %s)\n", version, commit, buildDate)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
