package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Placeholder values substituted at build time.
const (
	PlaceholderAppName         = "__app_name_placeholder__"
	PlaceholderAppVersion      = "__app_version_placeholder__"
	PlaceholderBuildHash       = "__build_hash_placeholder__"
	PlaceholderCacheURLRegex   = "__cache_url_regex_placeholder__"
	PlaceholderNoCacheURLRegex = "__no_cache_url_regex_placeholder__"
)

// Prefixes identifying an unsubstituted placeholder.
const (
	appNamePrefix         = "__app_name_"
	appVersionPrefix      = "__app_version_"
	buildHashPrefix       = "__build_hash_"
	cacheURLRegexPrefix   = "__cache_url_regex_"
	noCacheURLRegexPrefix = "__no_cache_url_regex_"
)

// Defaults used when a placeholder was not substituted.
const (
	DefaultAppName       = "qui-app"
	DefaultAppVersion    = "default-version"
	DefaultBuildHash     = "default-hash"
	DefaultCacheURLRegex = `.*\.(svg|png|gif|jpg|jpe?g|ico|woff|html|json|js|css)$`
)

// Worker script query arguments.
const (
	queryBuildHash = "h"
	queryDebug     = "debug"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "ASSETCACHE_"

// ErrInvalidPattern is returned when a cache URL pattern does not compile.
var ErrInvalidPattern = errors.New("invalid cache URL pattern")

// Injected holds the raw build-time constants.
type Injected struct {
	AppName         string
	AppVersion      string
	BuildHash       string
	CacheURLRegex   string
	NoCacheURLRegex string
}

// Placeholders returns the constants of a build that substituted nothing.
func Placeholders() Injected {
	return Injected{
		AppName:         PlaceholderAppName,
		AppVersion:      PlaceholderAppVersion,
		BuildHash:       PlaceholderBuildHash,
		CacheURLRegex:   PlaceholderCacheURLRegex,
		NoCacheURLRegex: PlaceholderNoCacheURLRegex,
	}
}

// Config is the resolved worker configuration.
type Config struct {
	AppName         string `env:"APP_NAME"`
	AppVersion      string `env:"APP_VERSION"`
	BuildHash       string `env:"BUILD_HASH"`
	CacheURLRegex   string `env:"CACHE_URL_REGEX"`
	NoCacheURLRegex string `env:"NO_CACHE_URL_REGEX"`
	Debug           bool   `env:"DEBUG"`
}

// CacheName returns the namespace used by this build: "{app}-cache-{hash}".
func (c Config) CacheName() string {
	return c.AppName + "-cache-" + c.BuildHash
}

// Prefix returns the prefix shared by the namespaces of every build of the
// application.
func (c Config) Prefix() string {
	return c.AppName + "-"
}

// Rules compiles the URL patterns.
func (c Config) Rules() (Rules, error) {
	return CompileRules(c.CacheURLRegex, c.NoCacheURLRegex)
}

// Validate checks that the configuration can drive a worker.
func (c Config) Validate() error {
	if c.AppName == "" {
		return errors.New("app name is empty")
	}
	if c.BuildHash == "" {
		return errors.New("build hash is empty")
	}
	_, err := c.Rules()
	return err
}

// Option configures Resolve.
type Option func(*resolver)

type resolver struct {
	logger *slog.Logger
}

// WithLogger sets the logger that reports placeholder fallbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(r *resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolve builds a Config from injected constants and the URL the worker
// script was loaded from.
//
// Unsubstituted placeholders fall back to defaults. An unsubstituted build
// hash is read from the script's "h" query argument, and marks a development
// build: debug passthrough is enabled. A "debug=true" query argument enables
// it as well.
func Resolve(in Injected, scriptURL string, opts ...Option) (Config, error) {
	r := resolver{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&r)
	}

	var query url.Values
	if scriptURL != "" {
		u, err := url.Parse(scriptURL)
		if err != nil {
			return Config{}, fmt.Errorf("parse script URL: %w", err)
		}
		query = u.Query()
	}

	cfg := Config{
		AppName:         in.AppName,
		AppVersion:      in.AppVersion,
		BuildHash:       in.BuildHash,
		CacheURLRegex:   in.CacheURLRegex,
		NoCacheURLRegex: in.NoCacheURLRegex,
	}
	if unresolved(cfg.AppName, appNamePrefix) {
		cfg.AppName = DefaultAppName
		r.fallback("app name", cfg.AppName)
	}
	if unresolved(cfg.AppVersion, appVersionPrefix) {
		cfg.AppVersion = DefaultAppVersion
		r.fallback("app version", cfg.AppVersion)
	}
	if unresolved(cfg.BuildHash, buildHashPrefix) {
		cfg.BuildHash = DefaultBuildHash
		if h := query.Get(queryBuildHash); h != "" {
			cfg.BuildHash = h
		}
		cfg.Debug = true
		r.fallback("build hash", cfg.BuildHash)
	}
	if unresolved(cfg.CacheURLRegex, cacheURLRegexPrefix) {
		cfg.CacheURLRegex = DefaultCacheURLRegex
		r.fallback("cache URL regex", cfg.CacheURLRegex)
	}
	if unresolved(cfg.NoCacheURLRegex, noCacheURLRegexPrefix) {
		cfg.NoCacheURLRegex = ""
	}
	if query.Get(queryDebug) == "true" {
		cfg.Debug = true
	}

	if _, err := cfg.Rules(); err != nil {
		return Config{}, err
	}
	r.logger.Debug("using cache name",
		slog.String("cache", cfg.CacheName()),
		slog.Bool("debug", cfg.Debug))
	return cfg, nil
}

// FromEnv overlays ASSETCACHE_* environment variables onto base.
func FromEnv(base Config) (Config, error) {
	return fromEnv(base, nil)
}

func fromEnv(base Config, environ map[string]string) (Config, error) {
	cfg := base
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (r resolver) fallback(field, value string) {
	r.logger.Debug("placeholder not replaced, using default",
		slog.String("field", field),
		slog.String("value", value))
}

func unresolved(value, prefix string) bool {
	return value == "" || strings.HasPrefix(value, prefix)
}

// Rules decides cache eligibility by URL.
type Rules struct {
	allow *regexp.Regexp
	deny  *regexp.Regexp
}

// CompileRules compiles the allow and deny patterns. Matching is case
// insensitive. An empty deny pattern denies nothing.
func CompileRules(allow, deny string) (Rules, error) {
	var r Rules
	var err error
	if r.allow, err = compile(allow); err != nil {
		return Rules{}, err
	}
	if deny != "" {
		if r.deny, err = compile(deny); err != nil {
			return Rules{}, err
		}
	}
	return r, nil
}

// Match reports whether rawURL matches the allow pattern and not the deny
// pattern.
func (r Rules) Match(rawURL string) bool {
	if r.allow == nil || !r.allow.MatchString(rawURL) {
		return false
	}
	return r.deny == nil || !r.deny.MatchString(rawURL)
}

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}
