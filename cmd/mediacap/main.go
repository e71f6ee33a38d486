package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mediacap/mediacap/internal/capture"
	"github.com/mediacap/mediacap/internal/cleanup"
	"github.com/mediacap/mediacap/internal/config"
	"github.com/mediacap/mediacap/internal/fetch"
	"github.com/mediacap/mediacap/internal/http/rest"
	"github.com/mediacap/mediacap/internal/journal"
	"github.com/mediacap/mediacap/internal/logctx"
	"github.com/mediacap/mediacap/internal/notifier"
	"github.com/mediacap/mediacap/internal/proxy"
	"github.com/mediacap/mediacap/internal/storage"
	"github.com/mediacap/mediacap/internal/telemetry"
	"github.com/mediacap/mediacap/internal/transcode"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("media capture starting...", "log_level", cfg.LogLevel, "base_dir", cfg.BaseDir)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shut down telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Artifact layout and journal
	layout, err := storage.NewLayout(cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to prepare artifact layout: %w", err)
	}

	if err := layout.WriteStartMarker(); err != nil {
		logger.Warn("failed to write start marker", "err", err)
	}

	jrnl, err := journal.Open(cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jrnl.Close()

	// =========================================================================
	// Capture engine
	state := capture.NewState()

	if err := tel.RegisterActiveDownloads(func() int64 {
		return int64(state.Counts()["in_flight"])
	}); err != nil {
		logger.Warn("failed to register active downloads gauge", "err", err)
	}

	dispatcher := transcode.NewDispatcher(cfg.FFmpegPath, cfg.FFprobePath, cfg.ProbeTimeout)
	defer dispatcher.Close()

	fetcher := fetch.New(state, cfg.MaxAttempts, cfg.RetryBackoff, cfg.FetchConnectTimeout, cfg.FetchReadTimeout)
	defer fetcher.Close()

	orchestrator := capture.NewOrchestrator(capture.DefaultRules(), state, jrnl, layout, dispatcher, fetcher, tel)

	watchDownloadEvents(ctx, fetcher, jrnl, tel, cfg)
	watchTranscodeResults(ctx, dispatcher, jrnl, tel)
	setupCleanup(ctx, layout.VideosMP4Direct, cfg)

	// =========================================================================
	// Servers
	proxyServer := &http.Server{
		Addr:    cfg.ProxyBindAddress,
		Handler: proxy.NewServer(ctx, orchestrator),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	restHandler := rest.NewCaptureHandler(state, layout, fetcher, tel)
	restServer := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(restHandler.Routes(), "rest"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("proxy listening", "addr", cfg.ProxyBindAddress)

		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Web.BindAddress)

		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := restServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the api server", "err", err)
			restServer.Close()
		}

		if err := proxyServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the proxy", "err", err)
			proxyServer.Close()
		}

		return gctx.Err()
	})

	return g.Wait()
}

// watchDownloadEvents drains terminated download tasks into the journal,
// metrics and the optional notifier.
func watchDownloadEvents(ctx context.Context, fetcher *fetch.Fetcher, jrnl *journal.Journal, tel *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	notify := func(content string) {
		if notif == nil {
			return
		}

		if err := notif.Notify(content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	go func() {
		for ev := range fetcher.Events {
			if ev.Err != nil {
				tel.RecordDownload("failed", 0, ev.Duration)
				jrnl.VideoError(ctx, "DOWNLOAD_FAILED", ev.Err.Error(), ev.URL)
				notify("❌ Download failed: " + ev.URL)

				continue
			}

			tel.RecordDownload("success", ev.Bytes, ev.Duration)
			notify("✅ Download finished: " + ev.Dest + " (" + humanize.Bytes(uint64(ev.Bytes)) + ")")
		}
	}()
}

// watchTranscodeResults drains transcoder outcomes. A rewrap failure lands in
// the video error log but does not reopen the accepted ledger entry.
func watchTranscodeResults(ctx context.Context, dispatcher *transcode.Dispatcher, jrnl *journal.Journal, tel *telemetry.Telemetry) {
	go func() {
		for res := range dispatcher.Results {
			if res.Err != nil {
				tel.RecordTranscode(string(res.Kind), "failed")
				jrnl.VideoError(ctx, "FFMPEG_ERROR", res.Err.Error(), res.Source)

				continue
			}

			tel.RecordTranscode(string(res.Kind), "success")
		}
	}()
}

func setupCleanup(ctx context.Context, dir string, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-ticker.C:
				if err := cleanup.DeleteStaleParts(ctx, dir, cfg.PartRetention); err != nil {
					logger.Error("failed to sweep stale partial artifacts", "err", err)
				}
			}
		}
	}()
}
