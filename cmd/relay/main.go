package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chronicle/collab/internal/archive"
	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/notify"
	"chronicle/collab/internal/relay"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/store"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	snapshots, closeSnapshots, err := openSnapshots(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeSnapshots != nil {
		closers = append(closers, closeSnapshots)
	}

	opts := relay.Options{
		InstanceID:   cfg.InstanceID,
		JWTSecret:    []byte(cfg.JWTSecret),
		CORSOrigin:   cfg.CORSOrigin,
		AuthTimeout:  cfg.AuthTimeout,
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
		Snapshots:    snapshots,
		Logger:       logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for cross-instance fan-out and token revocation")
		broker, err := relay.NewRedisBroker(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		closers = append(closers, broker.Close)
		opts.Broker = broker

		revocations, err := auth.NewRedisRevocations(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis revocations: %w", err)
		}
		closers = append(closers, revocations.Close)
		opts.Revocations = revocations
	} else {
		logger.Info("running a single relay instance")
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		closers = append(closers, func() error {
			meili.Close()
			return nil
		})
		opts.Indexer = meili
	}
	if strings.TrimSpace(cfg.APIURL) != "" {
		opts.Notifier = notify.NewClient(cfg.APIURL, cfg.SyncToken)
	}

	relayServer := relay.NewServer(opts)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relayServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab relay listening",
			zap.String("addr", cfg.Addr),
			zap.String("instance", relayServer.InstanceID()),
			zap.String("snapshots", cfg.SnapshotBackend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by http.Server; the
	// relay drains them and saves every open room.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", zap.Error(err))
	}
	return nil
}

func openSnapshots(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.SnapshotStore, func() error, error) {
	switch cfg.SnapshotBackend {
	case "", "memory":
		logger.Warn("snapshots are kept in memory and lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", zap.Strings("versions", applied))
		}
		snapshots := store.NewPostgresStore(db)
		return snapshots, snapshots.Close, nil
	case "minio":
		snapshots, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("minio archive: %w", err)
		}
		return snapshots, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}
