package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"time"

	"github.com/meigma/assetcache/config"
	"github.com/meigma/assetcache/host"
	"github.com/meigma/assetcache/network"
	"github.com/meigma/assetcache/store"
	"github.com/meigma/assetcache/store/disk"
	"github.com/meigma/assetcache/store/memory"
	"github.com/meigma/assetcache/worker"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	listen        string
	upstream      string
	scriptURL     string
	cacheDir      string
	cacheMaxBytes int64
	injected      config.Injected
	debug         bool
	logLevel      slog.Level
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	opts := options{
		injected: config.Injected{
			AppName:         appName,
			AppVersion:      appVersion,
			BuildHash:       buildHash,
			CacheURLRegex:   cacheURLRegex,
			NoCacheURLRegex: noCacheURLRegex,
		},
	}
	var (
		name, hash, allow, deny string
		level                   string
	)
	fs.StringVar(&opts.listen, "listen", ":8080", "listen address")
	fs.StringVar(&opts.upstream, "upstream", "", "origin URL to proxy (required)")
	fs.StringVar(&opts.scriptURL, "script-url", "", "worker script URL; its h and debug query arguments are honored")
	fs.StringVar(&opts.cacheDir, "cache-dir", "", "persist the cache in this directory (default: in memory)")
	fs.Int64Var(&opts.cacheMaxBytes, "cache-max-bytes", 0, "disk cache size limit in bytes (0 = unlimited)")
	fs.StringVar(&name, "app-name", "", "application name")
	fs.StringVar(&hash, "build-hash", "", "build hash naming the current cache")
	fs.StringVar(&allow, "cache-regex", "", "URL pattern of cacheable assets")
	fs.StringVar(&deny, "no-cache-regex", "", "URL pattern excluded from the cache")
	fs.BoolVar(&opts.debug, "debug", false, "pass every request through to the network")
	fs.StringVar(&level, "log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.upstream == "" {
		return options{}, errors.New("-upstream is required")
	}
	if opts.cacheMaxBytes < 0 {
		return options{}, errors.New("-cache-max-bytes must be >= 0")
	}
	if err := opts.logLevel.UnmarshalText([]byte(level)); err != nil {
		return options{}, fmt.Errorf("-log-level: %w", err)
	}
	override(&opts.injected.AppName, name)
	override(&opts.injected.BuildHash, hash)
	override(&opts.injected.CacheURLRegex, allow)
	override(&opts.injected.NoCacheURLRegex, deny)
	return opts, nil
}

func override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// workerConfig resolves the build-time values, then applies the environment
// and the -debug flag.
func workerConfig(opts options, logger *slog.Logger) (config.Config, error) {
	cfg, err := config.Resolve(opts.injected, opts.scriptURL, config.WithLogger(logger))
	if err != nil {
		return config.Config{}, err
	}
	if cfg, err = config.FromEnv(cfg); err != nil {
		return config.Config{}, err
	}
	if opts.debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// openStorage returns the cache storage and a function releasing it.
func openStorage(opts options, logger *slog.Logger) (store.Storage, func() error, error) {
	if opts.cacheDir == "" {
		return memory.New(), func() error { return nil }, nil
	}
	s, err := disk.New(opts.cacheDir,
		disk.WithMaxBytes(opts.cacheMaxBytes),
		disk.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open disk cache: %w", err)
	}
	return s, s.Close, nil
}

func run(ctx context.Context, opts options, stderr io.Writer) error {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: opts.logLevel}))

	upstream, err := url.Parse(opts.upstream)
	if err != nil {
		return fmt.Errorf("parse upstream: %w", err)
	}
	cfg, err := workerConfig(opts, logger)
	if err != nil {
		return err
	}
	storage, closeStorage, err := openStorage(opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn("failed to close cache", slog.Any("error", err))
		}
	}()

	fetcher := network.New(network.WithOrigin(upstream))
	h, err := host.New(fetcher, host.WithLogger(logger))
	if err != nil {
		return err
	}
	w, err := worker.New(cfg, storage, fetcher, worker.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := h.Register(ctx, w); err != nil {
		// Activation errors leave the worker running.
		logger.Warn("worker registration reported errors", slog.Any("error", err))
	}
	handler, err := host.Handler(h, upstream)
	if err != nil {
		return err
	}

	return serve(ctx, opts.listen, handler, h, logger)
}

func serve(ctx context.Context, addr string, handler nethttp.Handler, h *host.Host, logger *slog.Logger) error {
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		_ = h.Close()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if closeErr := h.Close(); closeErr != nil {
		logger.Warn("failed to close host", slog.Any("error", closeErr))
	}
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
