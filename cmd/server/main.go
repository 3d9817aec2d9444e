package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/m-mizutani/masq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"

	apihttp "lumina/internal/api/http"
	"lumina/internal/app"
	"lumina/internal/domain"
	"lumina/internal/infoapi"
	"lumina/internal/infocache"
	"lumina/internal/inflight"
	"lumina/internal/metrics"
	"lumina/internal/muxer"
	"lumina/internal/probe"
	"lumina/internal/procharness"
	"lumina/internal/siteregistry"
	"lumina/internal/sse"
	"lumina/internal/supervisor"
	"lumina/internal/taskmanager"
	"lumina/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "lumina")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "lumina"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("downloadDir", cfg.DownloadDir),
		slog.Int("workers", cfg.Workers),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Error("download dir create failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	harness := procharness.New(cfg.ExtractorPath, extraEnvFor(cfg))
	prober := muxer.NewProber(cfg.MuxerPath)
	remuxer := muxer.NewRemuxer(cfg.MuxerPath)

	registry := siteregistry.New(cfg.DisableAccelerator)

	cookies := siteregistry.CookieStrategy{
		DisableBrowserCookies: cfg.DisableBrowserCookies,
		ForceBrowserCookies:   cfg.ForceBrowserCookies,
		CookiesFilePath:       cfg.CookiesFilePath,
	}
	hasCookiesFile := false
	if cfg.CookiesFilePath != "" {
		if _, statErr := os.Stat(cfg.CookiesFilePath); statErr == nil {
			hasCookiesFile = true
		}
	}

	var preflighter *probe.Preflighter
	if cfg.TwitterPreflight {
		preflighter = probe.NewPreflighter(probe.PreflightConfig{
			Enabled:    true,
			Mode:       probe.PreflightMode(cfg.TwitterPreflightMode),
			TCPTimeout: time.Duration(cfg.TwitterPreflightTCPTimeout * float64(time.Second)),
			IPLimit:    cfg.TwitterPreflightIPLimit,
			TTL:        time.Duration(cfg.TwitterPreflightTTLSecs) * time.Second,
			ProxyURL:   cfg.Proxy,
		})
	}

	pipeline := &probe.Pipeline{
		Extractor:      harness,
		Registry:       registry,
		Preflight:      preflighter,
		Cookies:        cookies,
		HasCookiesFile: hasCookiesFile,
		Proxy:          cfg.Proxy,
	}

	cache := infocache.NewWithConfig(
		cfg.InfoCacheCapacity,
		time.Duration(cfg.InfoCacheTTLSecs)*time.Second,
		time.Duration(cfg.NegativeBaseCooldownSecs)*time.Second,
		time.Duration(cfg.NegativeEscalatedCooldownSecs)*time.Second,
		cfg.NegativeEscalateThreshold,
	)
	coalescer := inflight.New(0)

	acceleratorAvailable := cfg.AcceleratorBinDir != ""
	if acceleratorAvailable {
		if _, statErr := os.Stat(cfg.AcceleratorBinDir); statErr != nil {
			acceleratorAvailable = false
		}
	}

	finalizer := &supervisor.Finalizer{
		Prober:  prober,
		Remuxer: remuxer,
		MetaDir: cfg.MetaDir,
	}

	sup := &supervisor.Supervisor{
		Extractor:            harness,
		Harness:              harness,
		Registry:             registry,
		Pipeline:             pipeline,
		Finalizer:            finalizer,
		DownloadDir:          cfg.DownloadDir,
		AcceleratorAvailable: acceleratorAvailable,
		AcceleratorBinDir:    cfg.AcceleratorBinDir,
		MinFreeDiskBytes:     uint64(cfg.MinFreeDiskBytes),
		DiskSpace:            diskSpaceChecker,
		Cookies:              cookies,
		HasCookiesFile:       hasCookiesFile,
		Proxy:                cfg.Proxy,
	}

	manager := taskmanager.New(cfg.Workers, harness, sup.Run, logger)
	manager.Start(rootCtx)

	janitor := cron.New()
	if _, err := janitor.AddFunc("*/10 * * * *", func() {
		removed := manager.Cleanup(cfg.CleanupMaxKeep, false)
		if removed > 0 {
			logger.Info("task cleanup", slog.Int("removed", removed))
		}
		expired := cache.Positive.ClearExpired()
		if expired > 0 {
			logger.Debug("info cache expired entries evicted", slog.Int("count", expired))
		}
	}); err != nil {
		logger.Warn("cron schedule failed", slog.String("error", err.Error()))
	}
	janitor.Start()
	defer janitor.Stop()

	infoHandler := &infoapi.Handler{
		Cache:     cache,
		Coalescer: coalescer,
		Pipeline:  pipeline,
		Registry:  registry,
		Log:       logger,
	}

	streamer := &sse.Streamer{Tasks: manager, Log: logger}

	server := apihttp.NewServer(
		apihttp.WithTasks(manager),
		apihttp.WithInfo(infoHandler),
		apihttp.WithStreamer(streamer),
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithDefaultMetaMode(domain.MetaMode(cfg.MetaMode)),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	manager.Wait()

	logger.Info("server stopped")
}

func extraEnvFor(cfg app.Config) []string {
	var env []string
	if cfg.Proxy != "" {
		env = append(env, "HTTPS_PROXY="+cfg.Proxy, "HTTP_PROXY="+cfg.Proxy)
	}
	return env
}

func diskSpaceChecker(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// sensitiveFieldRedactor keeps proxy credentials and cookie-file paths out
// of structured logs.
func sensitiveFieldRedactor() func(groups []string, a slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("proxy"),
		masq.WithFieldName("Proxy"),
		masq.WithFieldName("cookiesFilePath"),
		masq.WithFieldName("CookiesFilePath"),
		masq.WithFieldName("cookies_file_path"),
	)
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	redactor := sensitiveFieldRedactor()
	options := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactor,
	}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
