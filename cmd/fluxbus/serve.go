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

	"fluxbus/internal/bus"
	"fluxbus/internal/channel"
	"fluxbus/internal/config"
	"fluxbus/internal/metrics"
	"fluxbus/internal/store"
	"fluxbus/internal/worker"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host a topic registry and serve it over websocket",
		Long: `Hosts the topic registry in this process, restores the configured
and stored uplinks, and serves /socket and /worker (and the metrics endpoint
when enabled). Press Ctrl+C to stop.`,
		RunE: runServe,
	}
}

func workerOptions(cfg *config.Config, m *metrics.Metrics) worker.Options {
	return worker.Options{
		Logger:  logger,
		Metrics: m,
		Timeout: time.Duration(cfg.Worker.CallTimeoutSeconds) * time.Second,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Server.Enabled {
		return errors.New("server.enabled is false")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	opts := workerOptions(cfg, m)
	host := worker.NewHost(opts)
	defer host.Close()

	handler := bus.New(bus.Config{
		Factory:      worker.InProcess(host, opts),
		Logger:       logger,
		Metrics:      m,
		SpawnTimeout: time.Duration(cfg.Worker.SpawnTimeoutSeconds) * time.Second,
	})
	defer handler.Close()
	failures := handler.Events().On("*", func(e bus.Event) {
		if e.Err != nil {
			logger.Warn("bus event", "type", e.Type, "topic", e.Topic, "err", e.Err)
		}
	})
	defer handler.Events().Off("*", failures)

	uplinks, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("uplink store: %w", err)
	}
	defer uplinks.Close()

	if err := restoreUplinks(ctx, handler, cfg, uplinks); err != nil {
		return err
	}

	server := channel.NewSocketServer(channel.SocketConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		SocketPath:  cfg.Server.SocketPath,
		WorkerPath:  cfg.Server.WorkerPath,
		MetricsPath: cfg.Metrics.Endpoint,
		Bus:         handler,
		Worker:      host,
		Metrics:     metricsHandler(m),
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "clients", server.Clients(), "peers", host.Peers())
		return nil
	})

	logger.Info("fluxbus serving", "addr", server.Addr(), "version", version)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// restoreUplinks opens the uplinks listed in the config and the enabled
// ones in the store. A stored uplink overrides a configured one with the
// same topic.
func restoreUplinks(ctx context.Context, h *bus.Handler, cfg *config.Config, s *store.SQLiteStore) error {
	urls := make(map[string]string)
	for _, u := range cfg.Uplinks {
		urls[u.Topic] = u.URL
	}
	stored, err := s.List(ctx, true)
	if err != nil {
		return fmt.Errorf("list uplinks: %w", err)
	}
	for _, u := range stored {
		urls[u.Topic] = u.URL
	}

	for t, url := range urls {
		if _, err := h.Uplink(t, url); err != nil {
			logger.Warn("uplink skipped", "topic", t, "url", url, "err", err)
			continue
		}
		logger.Info("uplink restored", "topic", t+".socket")
	}
	return nil
}

// metricsHandler is nil when metrics are disabled, so no route is added.
func metricsHandler(m *metrics.Metrics) http.Handler {
	if m == nil {
		return nil
	}
	return m.Handler()
}
