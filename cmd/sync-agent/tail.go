package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"marketplace-sync/internal/infrastructure/redis"
	"marketplace-sync/pkg/logger"
)

type tailOptions struct {
	instance string
}

func newTailCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tailOptions{}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print mirrored cache writes as they happen",
		Long: `Subscribes to the Redis cache event channel and prints one line per
mirrored cache write of every agent, or of one agent with --instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb := redisClient.NewClient(&redisClient.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			out := cmd.OutOrStdout()
			sub := redis.NewMirrorSubscriber(rdb, logger.NewWithConfig(cfg.Log.Level, cfg.Log.Encoding))
			err = sub.Subscribe(ctx, func(e redis.MirrorEvent) error {
				if opts.instance != "" && e.Instance != opts.instance {
					return nil
				}
				_, err := fmt.Fprintf(out, "%s\t%s\tv%d\t%s\n", e.Instance, e.Key, e.Version, e.Status)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.instance, "instance", "", "only show writes of this agent instance")
	return cmd
}
