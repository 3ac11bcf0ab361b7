// Command api serves booth verification and reconciliation over HTTP on the
// counting host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"obvv-backend/api"
	"obvv-backend/config"
	"obvv-backend/logger"
	"obvv-backend/registry"
	"obvv-backend/service"
	"obvv-backend/storage"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		pterm.Error.Printfln("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("api", flag.ExitOnError)
	cfg.BindFlags(fs)
	cfg.BindReconcileFlags(fs)
	fs.IntVar(&cfg.API.Port, "port", cfg.API.Port, "Port to listen on")
	fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		pterm.Error.Printfln("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger.Development)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Sugar.Errorw("api server stopped with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.Sugar

	store, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer store.Close()

	sink, closer, err := cfg.OpenAuditSink(store)
	if err != nil {
		return fmt.Errorf("failed to open audit sink: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	var reg *registry.BoothRegistry
	if cfg.Reconcile.RegistryPath != "" {
		if reg, err = registry.Load(cfg.Reconcile.RegistryPath); err != nil {
			return err
		}
	}

	archive, err := storage.NewReportArchive(cfg.Reconcile.ReportDir, cfg.Reconcile.ReportsKept, log)
	if err != nil {
		return err
	}

	metrics := service.NewMetricsCollector()
	timeout, _ := cfg.Reconcile.Timeout()
	reconciler, err := service.NewReconciler(service.ReconcileConfig{
		SkipValidation: cfg.Reconcile.SkipValidation,
		RequireSeals:   cfg.Reconcile.RequireSeals,
		ExpectedMode:   cfg.Reconcile.IntegrityMode(),
		Workers:        cfg.Reconcile.Workers,
		LoadTimeout:    timeout,
	}, service.ReconcilerDeps{
		Store:    store,
		Audit:    sink,
		Registry: reg,
		Metrics:  metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Deps{
		Store:      store,
		Reconciler: reconciler,
		Archive:    archive,
		Registry:   reg,
		Metrics:    metrics,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.API.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	serverChan := make(chan error, 1)
	go func() {
		log.Infow("Starting reconciliation API", "port", cfg.API.Port)
		serverChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigChan:
		log.Infow("Received signal", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		log.Info("Server shutdown completed")
	}
	return nil
}
