// Command assetcache runs an asset cache worker as a caching reverse proxy
// in front of a web application.
//
// Build-time values are injected with -ldflags, for example:
//
//	go build -ldflags "-X main.buildHash=$(git rev-parse --short HEAD)" ./cmd/assetcache
//
// Flags and ASSETCACHE_* environment variables override them.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/meigma/assetcache/config"
)

// Substituted at build time.
var (
	appName         = config.PlaceholderAppName
	appVersion      = config.PlaceholderAppVersion
	buildHash       = config.PlaceholderBuildHash
	cacheURLRegex   = config.PlaceholderCacheURLRegex
	noCacheURLRegex = config.PlaceholderNoCacheURLRegex
)

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stderr); err != nil {
		log.Fatalf("assetcache: %v", err)
	}
}
