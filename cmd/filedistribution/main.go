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
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filedistribution/internal/cache"
	"github.com/italolelis/filedistribution/internal/cleanup"
	"github.com/italolelis/filedistribution/internal/config"
	"github.com/italolelis/filedistribution/internal/downloader"
	"github.com/italolelis/filedistribution/internal/http/rest"
	"github.com/italolelis/filedistribution/internal/logctx"
	"github.com/italolelis/filedistribution/internal/peer"
	"github.com/italolelis/filedistribution/internal/peer/httppool"
	"github.com/italolelis/filedistribution/internal/storage"
	"github.com/italolelis/filedistribution/internal/storage/sqlite"
	"github.com/italolelis/filedistribution/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// version is set at build time.
var version = "dev"

const resumeLimit = 1000

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler)).With("version", version)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("file distribution node starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer database.Close()

	ledger := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Prepare Cache
	store, err := cache.NewStore(cfg.DownloadDir)
	if err != nil {
		return fmt.Errorf("failed to prepare download directory: %w", err)
	}

	if _, err := cleanup.RemoveStaleTempFiles(ctx, store.Root(), cfg.StaleTempAge); err != nil {
		logger.Error("failed to remove stale temp files", "err", err)
	}

	// =========================================================================
	// Start Downloader
	pool, err := httppool.New(cfg.PeerAddresses, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	if err != nil {
		return fmt.Errorf("failed to build peer pool: %w", err)
	}

	requester := peer.NewRequester(pool, cfg.RPCTimeout(), tel)

	files := downloader.New(ctx, store, requester, cfg.DownloadTimeout,
		downloader.WithLedger(ledger),
		downloader.WithTelemetry(tel),
		downloader.WithMaxParallel(cfg.MaxParallel),
	)

	defer func() {
		if err := files.Close(); err != nil {
			logger.Error("failed to stop downloader", "err", err)
		}
	}()

	if cfg.ResumePending {
		n, err := files.ResumePending(ctx, ledger, resumeLimit)
		if err != nil {
			logger.Error("failed to resume pending downloads", "err", err)
		} else if n > 0 {
			logger.Info("resumed pending downloads", "count", n)
		}
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, files, ledger, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("serving files",
		"download_dir", store.Root(),
		"peers", pool.Size(),
		"download_timeout", cfg.DownloadTimeout.String(),
		"rpc_timeout", requester.Timeout().String(),
		"max_push_size", humanize.Bytes(uint64(cfg.MaxPushBytes())),
	)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, files *downloader.FileDownloader, ledger storage.DownloadReadRepository, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", rest.NewFileDistributionHandler(files, cfg.MaxPushBytes()).WithLedger(ledger).Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr: cfg.Web.BindAddress,
		// A blocking getFile may wait up to the download timeout.
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: max(cfg.Web.WriteTimeout, cfg.DownloadTimeout+5*time.Second),
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "filedistribution"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
