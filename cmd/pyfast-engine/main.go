package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pyfast-engine",
		Short: "Native HTTP and WebSocket dispatch engine",
		Long: `pyfast-engine is the native dispatch core that pyfast host runtimes
embed. Run standalone it serves its built-in endpoints (/healthz,
/stats) and, with --demo, a set of echo routes. That mode exists for
load testing and operational smoke checks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
