package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hallowgate/atwatch/internal/config"
	"github.com/hallowgate/atwatch/internal/followgraph"
	"github.com/hallowgate/atwatch/internal/httpserver"
	"github.com/hallowgate/atwatch/internal/mainstream"
	"github.com/hallowgate/atwatch/internal/resolver"
	"github.com/hallowgate/atwatch/internal/status"
	"github.com/hallowgate/atwatch/internal/store"
	"github.com/hallowgate/atwatch/internal/temppool"
	"github.com/hallowgate/atwatch/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("database ready", "dsn", cfg.DatabaseURL)

	res, err := resolver.New(cfg.PLCDirectoryHost, cfg.ResolverCacheSize, cfg.ResolverTimeout, logger)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	followClient := followgraph.New(cfg.PublicAPIHost, cfg.ResolverTimeout)

	broadcaster := status.New(nil, logger)

	pool := temppool.New(temppool.Deps{
		Hosts:         cfg.UpstreamHosts,
		Store:         st,
		Resolver:      res,
		Broadcaster:   broadcaster,
		Logger:        logger,
		MaxConcurrent: cfg.TempPoolMax,
	})

	stream := mainstream.New(mainstream.Deps{
		Hosts:         cfg.UpstreamHosts,
		Store:         st,
		Resolver:      res,
		FollowGraph:   followClient,
		Broadcaster:   broadcaster,
		TempRequester: pool,
		Logger:        logger,
	})

	// The temp pool's auto-restart scan needs to ask the main stream
	// whether it has a valid cursor yet; wire that gate in now that both
	// exist (spec §4.F).
	pool.SetMainStreamGate(stream)

	aggregator := tracker.New(stream, pool, st, logger)
	broadcaster.SetSource(aggregator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := stream.Start(ctx, nil); err != nil {
		return fmt.Errorf("start main stream: %w", err)
	}
	logger.Info("main stream started")

	pool.Start(ctx)
	logger.Info("temp pool started", "max_concurrent", cfg.TempPoolMax)

	httpSrv := httpserver.NewServer(cfg.Port, broadcaster, aggregator, logger)
	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("trackerd started", "port", cfg.Port, "upstream_hosts", cfg.UpstreamHosts)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	stream.Stop(context.Background())
	pool.Stop()

	if err := httpSrv.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
