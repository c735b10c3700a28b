package main

import (
	"github.com/spf13/cobra"

	"marketplace-sync/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sync-agent",
		Short: "Marketplace real-time sync agent",
		Long: `Keeps a local cache of marketplace auctions, bids, notifications,
transactions and wishlist entries in sync with the server push channels,
and serves it over a local HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a config file (default: ./config.yaml if present)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFromFile(o.configPath)
	}
	return config.Load()
}
