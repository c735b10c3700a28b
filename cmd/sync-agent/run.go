package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"marketplace-sync/internal/api/handlers"
	"marketplace-sync/internal/app"
	"marketplace-sync/internal/config"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/infrastructure/lock"
	"marketplace-sync/internal/infrastructure/mysql"
	"marketplace-sync/internal/infrastructure/redis"
	"marketplace-sync/pkg/logger"
	"marketplace-sync/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
}

func runAgent(parent context.Context, cfg *config.Config) error {
	log := logger.NewWithConfig(cfg.Log.Level, cfg.Log.Encoding)
	log.Info("Starting sync agent", "config", cfg.GetConfigString())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{}
	var history domain.MutationHistory

	// Initialize Redis
	if cfg.Redis.Enabled {
		rdb := redisClient.NewClient(&redisClient.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("Connected to Redis", "address", cfg.Redis.Address)

		deps.Mirror = redis.NewCacheMirror(rdb, cfg.Instance.ID, cfg.Redis.MirrorTTL, log)
		deps.MirrorLock = lock.NewInstanceLock(rdb, cfg.Instance.ID, utils.GenerateID("owner"), cfg.Redis.LockTTL, log)
		deps.Rules = redis.NewRuleStore(rdb, log)
	}

	// Initialize MySQL
	if cfg.MySQL.Enabled {
		db, err := mysql.Open(ctx, mysql.Options{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("connect to mysql: %w", err)
		}
		defer func(db *sql.DB) {
			if err := db.Close(); err != nil {
				log.Error("Failed to close MySQL connection", "error", err)
			}
		}(db)
		log.Info("Connected to MySQL")

		journal := mysql.NewMySQLMutationJournal(db)
		if err := journal.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare mutation journal: %w", err)
		}
		deps.Journal = journal
		history = journal
	}

	engine, err := app.New(cfg, deps, log)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	router, auctions := handlers.NewRouter(engine, handlers.RouterOptions{
		InstanceID:     cfg.Instance.ID,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		History:        history,
	}, log)
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting agent API", "address", serverAddr)
		if err := router.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		log.Error("Agent API failed", "error", err)
	}

	log.Info("Shutting down sync agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	auctions.CloseAll()
	if stopErr := engine.Stop(shutdownCtx); stopErr != nil {
		log.Error("Engine did not stop cleanly", "error", stopErr)
	}

	log.Info("Sync agent stopped")
	return err
}
