package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-relay/work/client"
	"kptv-relay/work/config"
	"kptv-relay/work/directory"
	"kptv-relay/work/fallback"
	"kptv-relay/work/handlers"
	"kptv-relay/work/logger"
	"kptv-relay/work/player"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// the ordered proxy directory every view fails over through
	dir, err := directory.FromConfig(cfg.Proxies)
	if err != nil {
		logger.Error("{main - main} Invalid proxy directory: %v", err)
		os.Exit(1)
	}

	// shared upstream client
	httpClient := client.NewHeaderSettingClient(cfg)

	// playlist parsing pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main - main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}

	registry := player.NewRegistry(player.Deps{
		Config:     cfg,
		Directory:  dir,
		Transport:  httpClient.Transport(),
		WorkerPool: workerPool,
		Clipboard:  fallback.DetectClipboard(cfg.ClipboardCommand),
	})
	registry.StartCleanup()

	// Setup HTTP routes
	router := mux.NewRouter()
	handlers.Register(router, registry)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAdminRoutes(router, cfg, registry, workerPool)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("{main - main} Starting KPTV Relay %s", Version)
	logger.Info("{main - main} Server configuration:")
	logger.Info("{main - main}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main - main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - main}   - Engine: %s", cfg.Engine)
	logger.Info("{main - main}   - Proxy Mode: %s", cfg.ProxyMode)
	logger.Info("{main - main}   - Proxies: %v", dir.Names())
	logger.Info("{main - main}   - Failover Delay: %s", cfg.FailoverDelay)
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - View Idle Timeout: %s", cfg.ViewIdleTimeout)
	logger.Info("{main - main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// fire us up
	if err := serve(ctx, srv, registry, workerPool); err != nil {
		logger.Error("{main - main} Server failed to start: %v", err)
		stop()
		os.Exit(1)
	}
}

// serve runs srv until ctx ends or the listener fails. Either way it returns
// only after the views, the listener and the worker pool are released.
func serve(ctx context.Context, srv *http.Server, registry *player.Registry, pool *ants.Pool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("{main - serve} Shutting down...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()

		// views first so open streams end before the listener drains
		registry.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("{main - serve} Graceful shutdown failed: %v", err)
		}
		pool.Release()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()
	<-shutdownDone
	return err
}
