// ABOUTME: The enrich command: one-shot enrichment of a findings file or finding source.
// ABOUTME: Prints a ranked table or JSON and can fail when findings reach a priority tier.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/providers"
	"github.com/jfeddern/RiskRelay/internal/types"
)

var errThresholdExceeded = errors.New("findings at or above the failure threshold")

var errSourceDisabled = errors.New("enrichment source rejected its credentials")

type enrichOptions struct {
	format     string
	output     string
	mode       string
	failOn     string
	noColor    bool
	noProgress bool
}

func newEnrichCommand(a *app) *cobra.Command {
	opts := &enrichOptions{}

	cmd := &cobra.Command{
		Use:   "enrich [findings-file]",
		Short: "Enrich findings once and print them ranked by risk",
		Long: `Enrich findings once and print them ranked by risk.

The findings file may be a JSON array of findings, an object with a
"findings" array, or a grype style report with a "matches" array.
Without a file argument the finding source from the config is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Findings.Mode = providers.ModeLocal
				a.cfg.Findings.File = args[0]
			}
			if cmd.Flags().Changed("mode") {
				a.cfg.Findings.Mode = opts.mode
			}
			return runEnrich(cmd.Context(), a, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.format, "format", "f", formatTable, "Output format: table, json")
	flags.StringVarP(&opts.output, "output", "o", "", "Output file path (default: stdout)")
	flags.StringVar(&opts.mode, "mode", "", "Finding source: local, ecr, mock")
	flags.StringVar(&opts.failOn, "fail-on", "", "Exit with code 1 if any finding is at or above this tier, e.g. P1")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable coloured table output")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "Hide the progress bar")

	return cmd
}

func runEnrich(ctx context.Context, a *app, opts *enrichOptions) error {
	rep, err := newReporter(opts.format, opts.noColor)
	if err != nil {
		return err
	}

	var threshold types.Priority
	if opts.failOn != "" {
		p, ok := types.ParsePriority(opts.failOn)
		if !ok {
			return fmt.Errorf("invalid --fail-on tier %q, must be one of P0 to P4", opts.failOn)
		}
		threshold = p
	}

	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	source, err := a.findingSource(ctx)
	if err != nil {
		return err
	}
	findings, err := source.LoadFindings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load findings: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"finding_source": source.Name(),
		"findings":       len(findings),
	}).Info("Loaded findings")

	engineOpts := []engine.Option{}
	var bar *progressBar
	if !opts.noProgress && len(findings) > 0 {
		bar = newProgressBar(a)
		engineOpts = append(engineOpts, engine.WithProgress(bar.update))
	}

	eng := engine.NewEngine(a.buildSources(), a.cfg.EngineConfig(), a.logger, engineOpts...)
	enriched, stats := eng.Enrich(ctx, findings)
	if bar != nil {
		bar.finish()
	}

	var buf bytes.Buffer
	if err := rep.Report(&buf, enriched); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}

	if opts.output != "" {
		if err := afero.WriteFile(a.fs, opts.output, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(a.stderr, "Report written to %s\n", opts.output)
	} else if _, err := a.stdout.Write(buf.Bytes()); err != nil {
		return err
	}

	if disabled := disabledSources(stats); len(disabled) > 0 {
		return fmt.Errorf("%s disabled, check the configured credentials: %w", strings.Join(disabled, ", "), errSourceDisabled)
	}

	if threshold != "" {
		if n := countAtOrAbove(enriched, threshold); n > 0 {
			return fmt.Errorf("%d findings at %s or above: %w", n, threshold, errThresholdExceeded)
		}
	}
	return nil
}

// disabledSources lists, sorted, the sources switched off by an auth failure
func disabledSources(stats map[string]engine.SourceStats) []string {
	var names []string
	for name, st := range stats {
		if st.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// countAtOrAbove counts findings whose tier is at least as urgent as threshold
func countAtOrAbove(findings []types.Finding, threshold types.Priority) int {
	count := 0
	for _, f := range findings {
		if f.Priority.Valid() && f.Priority.Rank() <= threshold.Rank() {
			count++
		}
	}
	return count
}

// progressBar adapts the engine's progress callback to a terminal bar. The
// task total is only known once the engine has resolved CVE ids.
type progressBar struct {
	once sync.Once
	bar  *pb.ProgressBar
}

func newProgressBar(a *app) *progressBar {
	bar := pb.New(0)
	bar.SetWriter(a.stderr)
	return &progressBar{bar: bar}
}

func (p *progressBar) update(done, total int) {
	p.once.Do(func() {
		p.bar.SetTotal(int64(total))
		p.bar.Start()
	})
	p.bar.Increment()
}

func (p *progressBar) finish() {
	if p.bar.IsStarted() {
		p.bar.Finish()
	}
}
