// ABOUTME: Shared command state for the riskrelay CLI: config resolution, logging and wiring.
// ABOUTME: Builds the cache manager, enrichment sources and finding source from configuration.

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jfeddern/RiskRelay/internal/cache"
	"github.com/jfeddern/RiskRelay/internal/config"
	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/providers"
	"github.com/jfeddern/RiskRelay/internal/sources/epss"
	"github.com/jfeddern/RiskRelay/internal/sources/ghsa"
	"github.com/jfeddern/RiskRelay/internal/sources/httpx"
	"github.com/jfeddern/RiskRelay/internal/sources/kev"
	"github.com/jfeddern/RiskRelay/internal/sources/vulncheck"
)

// globalFlags are the persistent flags shared by every subcommand
type globalFlags struct {
	configFile string
	logLevel   string
	noCache    bool
	workers    int
	sources    []string
}

// app carries the process dependencies so commands can be run in tests
type app struct {
	fs        afero.Fs
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv config.LookupFunc

	flags globalFlags

	// set by loadConfig
	cfg    *config.Config
	logger *logrus.Logger

	// newFindingSource is replaceable so tests never reach AWS or a cluster
	newFindingSource func(ctx context.Context, pc *providers.ProviderConfig, logger *logrus.Logger) (engine.FindingSource, error)
}

func newApp(fs afero.Fs, stdout, stderr io.Writer, lookupEnv config.LookupFunc) *app {
	return &app{
		fs:               fs,
		stdout:           stdout,
		stderr:           stderr,
		lookupEnv:        lookupEnv,
		newFindingSource: providers.CreateFindingSource,
	}
}

// loadConfig resolves file, environment and flags in that order of precedence
func (a *app) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(a.fs, a.flags.configFile)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(a.lookupEnv); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = a.flags.logLevel
	}
	if flags.Changed("no-cache") {
		cfg.Cache.Disabled = a.flags.noCache
	}
	if flags.Changed("workers") {
		cfg.Workers = a.flags.workers
	}
	if flags.Changed("sources") {
		if err := selectSources(cfg, a.flags.sources); err != nil {
			return err
		}
	}

	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.LogLevel, false)
	return nil
}

// selectSources enables exactly the named sources
func selectSources(cfg *config.Config, names []string) error {
	wanted := make(map[string]bool)
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if cfg.Source(name) == nil {
			return fmt.Errorf("unknown source %q, must be one of: %s", name, strings.Join(config.SourceNames(), ", "))
		}
		wanted[name] = true
	}
	for _, name := range config.SourceNames() {
		cfg.Source(name).Enabled = wanted[name]
	}
	return nil
}

// newLogger builds the process logger. The service logs JSON like any other
// cluster workload; the interactive commands log text to stderr.
func newLogger(w io.Writer, level string, jsonFormat bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	if jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}

	logger.SetLevel(logrus.InfoLevel)
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}

// cacheManager returns the shared cache manager for the configured root
func (a *app) cacheManager() *cache.Manager {
	return cache.New(a.fs, a.cfg.Cache.Dir, a.logger, cache.WithTTL(a.cfg.Cache.TTL))
}

// buildSources creates the enabled enrichment sources in merge order
func (a *app) buildSources() []engine.Source {
	cfg := a.cfg
	manager := a.cacheManager()

	store := func(name string) cache.Store {
		if cfg.Cache.Disabled {
			return cache.Nop
		}
		return manager.Bucket(name)
	}

	var sources []engine.Source

	if sc := cfg.Sources.KEV; sc.Enabled {
		opts := []kev.Option{kev.WithHTTPClient(httpx.NewClient(sc.Timeout))}
		if sc.URL != "" {
			opts = append(opts, kev.WithURL(sc.URL))
		}
		sources = append(sources, kev.NewClient(store(kev.SourceName), a.logger, opts...))
	}

	if sc := cfg.Sources.EPSS; sc.Enabled {
		opts := []epss.Option{epss.WithHTTPClient(httpx.NewClient(sc.Timeout))}
		if sc.URL != "" {
			opts = append(opts, epss.WithURL(sc.URL))
		}
		sources = append(sources, epss.NewClient(store(epss.SourceName), a.logger, opts...))
	}

	if sc := cfg.Sources.GHSA; sc.Enabled {
		opts := []ghsa.Option{ghsa.WithTimeout(sc.Timeout)}
		if sc.URL != "" {
			opts = append(opts, ghsa.WithEndpoint(sc.URL))
		}
		if sc.APIKey == "" {
			a.logger.Warn("GITHUB_TOKEN not set, GHSA lookups are anonymous and heavily rate limited")
		}
		sources = append(sources, ghsa.NewClient(sc.APIKey, a.logger, opts...))
	}

	if sc := cfg.Sources.VulnCheck; sc.Enabled {
		opts := []vulncheck.Option{vulncheck.WithHTTPClient(httpx.NewClient(sc.Timeout))}
		if sc.URL != "" {
			opts = append(opts, vulncheck.WithURL(sc.URL))
		}
		client := vulncheck.NewClient(sc.APIKey, store(vulncheck.SourceName), a.logger, opts...)
		if !client.Configured() {
			a.logger.WithField("env", vulncheck.APIKeyEnv).Info("VulnCheck API key not set, exploit maturity will be reported as unknown")
		}
		sources = append(sources, client)
	}

	return sources
}

// findingSource creates the configured finding source
func (a *app) findingSource(ctx context.Context) (engine.FindingSource, error) {
	source, err := a.newFindingSource(ctx, a.cfg.ProviderConfig(a.fs), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create finding source: %w", err)
	}
	return source, nil
}
