package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/ent0n29/shuttle/internal/config"
	"github.com/ent0n29/shuttle/internal/dispatch"
	"github.com/ent0n29/shuttle/internal/httpapi"
	"github.com/ent0n29/shuttle/internal/logging"
	"github.com/ent0n29/shuttle/internal/observability"
	"github.com/ent0n29/shuttle/internal/scanfeed"
	"github.com/ent0n29/shuttle/internal/session"
	"github.com/ent0n29/shuttle/internal/shelf"
	"github.com/ent0n29/shuttle/internal/tasks"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "shuttle",
		Mode:    cfg.Mode,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another shuttle engine holds %s", cfg.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backend, storeKind, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	breakerCfg := tasks.DefaultBreakerConfig("task-store")
	breakerCfg.MaxFailures = uint32(cfg.StoreBreakerFailures)
	breakerCfg.Cooldown = cfg.StoreBreakerCooldown
	store := tasks.NewBreakerStore(backend, breakerCfg, logger)
	defer store.Close()
	logger.Info("task store ready", "store", storeKind)

	manager := tasks.NewManager(store, tasks.Options{
		Mode:               cfg.Mode,
		Route:              cfg.Route.Path,
		Stops:              cfg.Route.Stops,
		FallbackSupplyStop: cfg.Route.FallbackSupplyStop,
		ActiveSetLimit:     cfg.ActiveSetLimit,
		StoreTimeout:       cfg.StoreTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})
	if err := manager.Refresh(ctx); err != nil {
		// The refresher keeps retrying; the engine starts with what it has.
		logger.Warn("initial refresh failed", "error", err)
	}

	layouts := shelf.NewLoader(cfg.ShelfLayoutDir, logger)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	service := dispatch.NewService(manager, layouts, sessions, dispatch.Options{
		Logger:     logger,
		Metrics:    metrics,
		RecordFeed: storeKind == tasks.StoreKindMemory,
	})

	var feed interface{ Status() scanfeed.Status }
	var api *httpapi.Server
	onState := func(source string) func(scanfeed.State) {
		return func(state scanfeed.State) {
			metrics.SetFeedConnected(state == scanfeed.StateConnected)
			if api != nil {
				api.PublishFeedState(source, state)
			}
		}
	}
	onMessage := func(source string) func(string) {
		return func(result string) { metrics.ObserveFeedMessage(source, result) }
	}

	var source scanfeed.Source
	switch cfg.ScanFeedMode {
	case config.FeedWebsocket:
		src, err := scanfeed.NewWebsocketSource(scanfeed.WebsocketConfig{
			URL:            cfg.ScanFeedWSURL,
			ReconnectDelay: cfg.ScanFeedReconnectDelay,
			Logger:         logger,
			OnState:        onState("websocket"),
			OnMessage:      onMessage("websocket"),
		})
		if err != nil {
			return err
		}
		source, feed = src, src
	case config.FeedKafka:
		src, err := scanfeed.NewKafkaSource(scanfeed.KafkaConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.KafkaTopic,
			GroupID:   cfg.KafkaGroup,
			Logger:    logger,
			OnState:   onState("kafka"),
			OnMessage: onMessage("kafka"),
		})
		if err != nil {
			return err
		}
		defer src.Close()
		source, feed = src, src
	}

	opts := httpapi.Options{
		StoreKind:    storeKind,
		BreakerState: store.State,
		Logger:       logger,
	}
	if feed != nil {
		opts.Feed = feed.Status
	}
	api = httpapi.New(cfg, manager, service, metrics, opts)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	manager.StartRefresher(runCtx, cfg.RefreshInterval)
	sessions.StartJanitor(runCtx, 5*time.Second)
	go func() {
		if err := layouts.Watch(runCtx); err != nil {
			logger.Warn("shelf layout watcher stopped", "dir", cfg.ShelfLayoutDir, "error", err)
		}
	}()
	if source != nil {
		go func() {
			if err := source.Run(runCtx, service.Ingest); err != nil {
				logger.Error("scan feed stopped", "source", source.Name(), "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "route", cfg.Route.Path.Stops(), "feed", cfg.ScanFeedMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
