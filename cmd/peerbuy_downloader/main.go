package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/italolelis/peerbuy_downloader/internal/assembler"
	"github.com/italolelis/peerbuy_downloader/internal/config"
	"github.com/italolelis/peerbuy_downloader/internal/events"
	"github.com/italolelis/peerbuy_downloader/internal/http/rest"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/manager"
	"github.com/italolelis/peerbuy_downloader/internal/messenger"
	"github.com/italolelis/peerbuy_downloader/internal/notifier"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/service"
	"github.com/italolelis/peerbuy_downloader/internal/signer"
	"github.com/italolelis/peerbuy_downloader/internal/storage/sqlite"
	"github.com/italolelis/peerbuy_downloader/internal/task"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
	"github.com/italolelis/peerbuy_downloader/internal/throttle"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("peerbuy downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    "peerbuy_downloader",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	hub := sqlite.NewHub(cfg.DataDir)
	defer func() {
		if err := hub.CloseAll(); err != nil {
			logger.Error("failed to close databases", "err", err)
		}
	}()

	store := sqlite.NewInstrumentedStore(hub, tel)

	// =========================================================================
	// Start Events
	bus := events.NewBus(cfg.EventBuffer, tel)
	closeSinks := setupSinks(ctx, bus, cfg)

	defer func() {
		bus.Close()

		if err := closeSinks(); err != nil {
			logger.Error("failed to close event sinks", "err", err)
		}
	}()

	// =========================================================================
	// Start Contract Service
	sign := signer.New(purchase.ProfileID(cfg.ProfileID), cfg.SigningKey)

	tmpDir := cfg.TmpDir
	if tmpDir == "" {
		tmpDir = filepath.Join(cfg.DataDir, "spool")
	}

	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// tasks get their own context so they can be drained after the server
	tasksCtx, stopTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTasks()

	runner := task.NewRunner(task.NewRegistry(), tel)

	svc := service.New(tasksCtx, service.Config{
		CatalogURL:        cfg.CatalogURL,
		MarketplaceURL:    cfg.MarketplaceURL,
		DownloadDir:       cfg.DownloadDir,
		DeleteWaitTimeout: cfg.DeleteWaitTimeout,
		Manager: manager.Config{
			TmpDir:                  tmpDir,
			CatalogURL:              cfg.CatalogURL,
			MaxPieces:               cfg.MaxPieces,
			MaxExcessBandwidth:      cfg.MaxExcessBandwidth,
			SellerPoolTimeout:       cfg.SellerPoolTimeout,
			CheckCompletionInterval: cfg.CheckCompletionInterval,
			BlacklistWindow:         cfg.BlacklistWindow,
		},
	}, service.Deps{
		Store:     store,
		Bus:       bus,
		Messenger: messenger.NewClient(cfg.AuthToken, sign, tel),
		Signer:    sign,
		Decryptor: assembler.Spool{},
		Throttle:  throttle.NewMap(cfg.MaxDownloadRate),
		Users:     hub,
		Telemetry: tel,
	}, runner)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, svc, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for purchases...",
		"data_dir", cfg.DataDir,
		"spool_dir", tmpDir,
		"download_dir", cfg.DownloadDir,
		"max_pieces", cfg.MaxPieces,
	)

	select {
	case err := <-serverErrors:
		stopTasks()
		runner.Wait()

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// running tasks save their progress and release their locks
		stopTasks()
		runner.Wait()

		logger.Info("shutdown complete")

		return ctx.Err()
	}
}

// setupSinks forwards bus events to the configured broker and webhook. The
// returned func closes the broker connection once the bus is drained.
func setupSinks(ctx context.Context, bus *events.Bus, cfg *config.Config) func() error {
	logger := logctx.LoggerFromContext(ctx)

	// events published while shutting down are still delivered
	ctx = context.WithoutCancel(ctx)

	if cfg.DiscordWebhookURL != "" {
		bus.AddSink(ctx, &notifier.Sink{Notifier: &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}})
		logger.Info("forwarding notifications to discord")
	}

	if cfg.AMQPURL == "" {
		return func() error { return nil }
	}

	sink := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange, events.DialAMQP)
	bus.AddSink(ctx, sink)
	logger.Info("forwarding events to amqp", "exchange", cfg.AMQPExchange)

	return sink.Close
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, svc *service.Service, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	h := rest.NewPurchaseHandler(cfg.API.Username, cfg.API.Password, svc, tel)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(h, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
