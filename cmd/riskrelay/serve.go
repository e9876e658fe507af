// ABOUTME: The serve command: periodic enrichment behind an HTTP server.
// ABOUTME: Exposes metrics, findings, summary and health until SIGINT or SIGTERM.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/server"
)

type serveOptions struct {
	port            int
	refreshInterval time.Duration
	mode            string
}

func newServeCommand(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Enrich findings periodically and serve them over HTTP",
		Long: `Enrich findings periodically and serve them over HTTP.

Endpoints:
  /metrics   Prometheus metrics
  /findings  enriched findings, filterable by priority, cve and source
  /summary   tier counts and the riskiest CVEs
  /health    liveness and readiness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("port") {
				a.cfg.Server.Port = opts.port
			}
			if flags.Changed("refresh-interval") {
				a.cfg.Server.RefreshInterval = opts.refreshInterval
			}
			if flags.Changed("mode") {
				a.cfg.Findings.Mode = opts.mode
			}
			return runServe(cmd.Context(), a)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.port, "port", "p", 9090, "Port to expose the HTTP endpoints on")
	flags.DurationVar(&opts.refreshInterval, "refresh-interval", time.Hour, "Interval between enrichment runs")
	flags.StringVar(&opts.mode, "mode", "", "Finding source: local, ecr, mock")

	return cmd
}

// service is the long running engine plus its HTTP front end
type service struct {
	engine *engine.Engine
	server *server.Server
}

func newService(ctx context.Context, a *app) (*service, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	source, err := a.findingSource(ctx)
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngine(a.buildSources(), a.cfg.EngineConfig(), a.logger, engine.WithFindingSource(source))

	a.logger.WithFields(logrus.Fields{
		"mode":             a.cfg.Findings.Mode,
		"port":             a.cfg.Server.Port,
		"refresh_interval": a.cfg.Server.RefreshInterval,
		"sources":          eng.SourceNames(),
		"cache_disabled":   a.cfg.Cache.Disabled,
	}).Info("Initializing RiskRelay")

	return &service{
		engine: eng,
		server: server.New(a.cfg.Server.Port, eng, a.logger),
	}, nil
}

func runServe(ctx context.Context, a *app) error {
	// Structured logging for the long running service
	a.logger = newLogger(a.stderr, a.cfg.LogLevel, true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			a.logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, err := newService(ctx, a)
	if err != nil {
		return err
	}

	go svc.engine.Start(ctx)

	return svc.server.Run(ctx)
}
