package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var addr string

	rootCmd := &cobra.Command{
		Use:           "shuttle",
		Short:         "Dispatch engine for a single shuttle on a cyclic route",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of a running shuttle server")

	client := func() *apiClient { return newAPIClient(addr) }
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newScanCommand(client))
	rootCmd.AddCommand(newStatusCommand(client))
	rootCmd.AddCommand(newNextCommand(client))
	return rootCmd
}
