package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketplace-sync/internal/api/handlers"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sync-agent", handlers.Version)
		},
	}
}
