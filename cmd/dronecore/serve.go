package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dronecore/config"
	"dronecore/engine"
	"dronecore/fleetstate"
	"dronecore/messaging"
	"dronecore/store"
	"dronecore/www"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, ingestor and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newBus(cfg *config.Config) (*messaging.Bus, error) {
	t, err := messaging.NewTransport(&cfg.Messaging, log.Logger)
	if err != nil {
		return nil, err
	}
	return messaging.NewBus(t, messaging.Options{
		AsyncWorkers:   cfg.Messaging.AsyncWorkers,
		QueueSize:      cfg.Messaging.QueueSize,
		PublishTimeout: cfg.Messaging.MQTT.PublishTimeout,
		Logger:         log.Logger,
	}), nil
}

// openCache returns nil when Redis is disabled or unreachable.
func openCache(ctx context.Context, cfg *config.RedisConfig) (fleetstate.Cache, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Address).Msg("redis not available, running without cache")
		client.Close()
		return nil, func() {}
	}
	log.Info().Str("addr", cfg.Address).Msg("redis connected")
	return fleetstate.NewRedisStore(client), func() { client.Close() }
}

func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	repos, err := store.OpenRepositories(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repos.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("database open")

	cache, closeCache := openCache(ctx, &cfg.Redis)
	defer closeCache()

	fleet := fleetstate.NewManager(repos.Fleet, cache, log.Logger)
	if err := fleet.SyncCacheFromStore(ctx); err != nil {
		log.Warn().Err(err).Msg("redis sync from store")
	}

	bus, err := newBus(cfg)
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		log.Warn().Err(err).Str("backend", cfg.Messaging.Backend).Msg("messaging connect failed, retrying in background")
	}
	defer bus.Stop()

	eng := engine.New(engine.Config{
		AppConfig: cfg,
		Bus:       bus,
		Fleet:     fleet,
		Missions:  repos.Missions,
		Logger:    log.Logger,
	})
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	handler, stopWeb := www.NewRouter(eng, log.Logger)
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("web server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().Msg("ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		stopWeb()
		return fmt.Errorf("web server: %w", err)
	}

	log.Info().Msg("shutting down...")
	stopWeb()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("web server shutdown")
	}
	return nil
}
