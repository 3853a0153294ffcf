package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/server"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveConfigFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional
		_ = godotenv.Load()

		cfg, err := config.Load(serveConfigFile)
		if err != nil {
			return err
		}

		log, err := logger.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		deps, closeDeps, err := openDependencies(cfg, log)
		if err != nil {
			log.Error("failed to open dependencies", zap.Error(err))
			return err
		}
		defer closeDeps()

		srv, err := server.New(cfg, deps)
		if err != nil {
			log.Error("failed to build server", zap.Error(err))
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(":" + cfg.Server.Port)
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server failed", zap.Error(err))
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
			return err
		}

		log.Info("server exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigFile, "config", os.Getenv("GATEWAY_CONFIG"), "path to a YAML config file (defaults and GATEWAY_* env apply without one)")
}

// openDependencies connects Redis when it backs the rate limiter and Postgres when
// admission logging is enabled. The returned func closes whatever was opened.
func openDependencies(cfg *config.Config, log *zap.Logger) (server.Dependencies, func(), error) {
	deps := server.Dependencies{Logger: log}
	var closers []func() error

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("failed to close dependency", zap.Error(err))
			}
		}
	}

	if cfg.RateLimit.Store == config.StoreRedis {
		redis, err := storage.NewRedis(storage.RedisOptions{
			Addr:         cfg.Redis.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.OperationTimeout,
			WriteTimeout: cfg.Redis.OperationTimeout,
		})
		if err != nil {
			return deps, nil, err
		}
		deps.Redis = redis
		closers = append(closers, redis.Close)
		log.Info("connected to redis", zap.String("addr", cfg.Redis.GetRedisAddr()))
	}

	if cfg.Postgres.Enabled {
		pg, err := storage.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			closeAll()
			return deps, nil, err
		}
		closers = append(closers, pg.Close)

		if err := pg.AutoMigrate(); err != nil {
			closeAll()
			return deps, nil, fmt.Errorf("failed to migrate admission_logs: %w", err)
		}
		deps.Postgres = pg
		log.Info("connected to postgres")
	}

	return deps, closeAll, nil
}
