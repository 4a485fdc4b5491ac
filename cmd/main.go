package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "subpathd",
		Short: "Serve several applications under subdirectories of one domain",
		Long: `subpathd routes each request to the mount with the longest matching
prefix, serves existing static files from the mount's document root and
rewrites everything else to the mount's front controller, passing the
remaining path as path-info.

Running subpathd without a subcommand is the same as "subpathd serve".`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd(), newMountsCmd(), newResolveCmd())

	return rootCmd
}
