package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "andromeda",
		Short:         "Session-gated reverse proxy for the virtual-world client",
		Long:          "andromeda authorizes browser requests by session id and forwards them to the requested grid host, relaying responses and normalizing errors.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newProbeCmd(),
	)
	return rootCmd
}
