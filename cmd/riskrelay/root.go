// ABOUTME: Root command of the riskrelay CLI and its persistent flags.
// ABOUTME: Loads configuration before any subcommand runs.

package main

import (
	"github.com/spf13/cobra"

	"github.com/jfeddern/RiskRelay/internal/engine"
)

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "riskrelay",
		Short: "Prioritize vulnerability findings by real-world exploitation risk",
		Long: `riskrelay enriches vulnerability findings with exploitation intelligence
and ranks them by risk.

Each finding is looked up in:
  - the CISA Known Exploited Vulnerabilities catalog (KEV)
  - the FIRST Exploit Prediction Scoring System (EPSS)
  - GitHub Security Advisories (GHSA), for the fixed version
  - VulnCheck KEV, for exploit maturity (needs VULNCHECK_API_KEY)

The combined risk score places every finding in one of five tiers,
from P0-IMMEDIATE (known exploited) down to P4-LOW.

Examples:
  # Enrich a scanner report and print a ranked table
  riskrelay enrich findings.json

  # Machine readable output, failing CI on anything P1 or worse
  riskrelay enrich findings.json --format json --fail-on P1

  # Serve metrics and findings for the images running in a cluster
  riskrelay serve --mode ecr

  # Drop all cached source data
  riskrelay cache clear`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.flags.configFile, "config", "c", "", "Path to a TOML config file")
	flags.StringVar(&a.flags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.BoolVar(&a.flags.noCache, "no-cache", false, "Disable the on-disk source cache")
	flags.IntVar(&a.flags.workers, "workers", engine.DefaultWorkers, "Maximum concurrent source lookups")
	flags.StringSliceVar(&a.flags.sources, "sources", nil, "Enrichment sources to use (default: all enabled in config)")

	cmd.AddCommand(newEnrichCommand(a))
	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newCacheCommand(a))

	return cmd
}
