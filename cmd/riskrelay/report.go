// ABOUTME: Renders enriched findings for the terminal or as JSON.
// ABOUTME: The table is ranked by risk and coloured by priority tier.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/sources/epss"
	"github.com/jfeddern/RiskRelay/internal/types"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

const maxCellWidth = 28

// reporter writes findings in one output format
type reporter interface {
	Report(w io.Writer, findings []types.Finding) error
}

func newReporter(format string, noColor bool) (reporter, error) {
	switch format {
	case formatTable, "terminal":
		return &tableReporter{noColor: noColor}, nil
	case formatJSON:
		return &jsonReporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q, must be one of: table, json", format)
	}
}

type jsonReporter struct{}

// Report writes the findings as an indented JSON array, [] when empty
func (r *jsonReporter) Report(w io.Writer, findings []types.Finding) error {
	if findings == nil {
		findings = []types.Finding{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(findings)
}

type tableReporter struct {
	noColor bool
}

func (r *tableReporter) color(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if r.noColor {
		c.DisableColor()
	}
	return c
}

func (r *tableReporter) tierColor(p types.Priority) *color.Color {
	switch p {
	case types.PriorityImmediate:
		return r.color(color.FgRed, color.Bold)
	case types.PriorityCritical:
		return r.color(color.FgRed)
	case types.PriorityHigh:
		return r.color(color.FgYellow)
	case types.PriorityMedium:
		return r.color(color.FgCyan)
	default:
		return r.color(color.FgWhite)
	}
}

// Report writes a ranked table followed by the per-tier counts
func (r *tableReporter) Report(w io.Writer, findings []types.Finding) error {
	if len(findings) == 0 {
		_, err := fmt.Fprintln(w, "No findings to report.")
		return err
	}

	header := r.color(color.Bold).SprintFunc()

	var sb strings.Builder
	sb.WriteString(header(fmt.Sprintf("%-12s  %6s  %-16s  %-28s  %-3s  %7s  %-10s  %s",
		"PRIORITY", "RISK", "CVE", "PACKAGE", "KEV", "EPSS", "EXPLOIT", "FIX")))
	sb.WriteString("\n")

	for _, f := range findings {
		// pad before colouring so escape codes do not break alignment
		tier := r.tierColor(f.Priority).Sprint(fmt.Sprintf("%-12s", f.Priority))
		sb.WriteString(fmt.Sprintf("%s  %6.2f  %-16s  %-28s  %-3s  %7s  %-10s  %s\n",
			tier,
			f.RiskScore,
			findingID(f),
			truncate(packageLabel(f), maxCellWidth),
			kevLabel(f),
			epssLabel(f),
			exploitLabel(f),
			fixLabel(f),
		))
	}

	sb.WriteString("\n")
	sb.WriteString(r.summaryLine(findings))

	_, err := io.WriteString(w, sb.String())
	return err
}

func (r *tableReporter) summaryLine(findings []types.Finding) string {
	counts := engine.PrioritySummary(findings)
	parts := make([]string, 0, len(types.Priorities))
	for _, p := range types.Priorities {
		parts = append(parts, r.tierColor(p).Sprintf("%s=%d", p, counts[p]))
	}

	warnings := 0
	for _, f := range findings {
		if len(f.EnrichmentErrors) > 0 {
			warnings++
		}
	}

	line := fmt.Sprintf("%d findings: %s\n", len(findings), strings.Join(parts, " "))
	if warnings > 0 {
		line += fmt.Sprintf("%d findings have incomplete enrichment, see --format json for details\n", warnings)
	}
	return line
}

func findingID(f types.Finding) string {
	switch {
	case f.CVE != "":
		return f.CVE
	case f.ID != "":
		return f.ID
	case f.Vulnerability != nil && f.Vulnerability.ID != "":
		return f.Vulnerability.ID
	default:
		return "-"
	}
}

func packageLabel(f types.Finding) string {
	switch {
	case f.Package != "" && f.Version != "":
		return f.Package + "@" + f.Version
	case f.Package != "":
		return f.Package
	default:
		return "-"
	}
}

func kevLabel(f types.Finding) string {
	switch {
	case f.KEV == nil || f.KEV.Unknown:
		return "?"
	case f.KEV.InKEV:
		return "yes"
	default:
		return "no"
	}
}

func epssLabel(f types.Finding) string {
	if f.EPSS == nil || f.EPSS.Error != "" {
		return "-"
	}
	return epss.FormatProbability(f.EPSS.EPSS)
}

func exploitLabel(f types.Finding) string {
	if f.Exploit == nil || f.Exploit.ExploitMaturity == "" {
		return "-"
	}
	if f.Exploit.Weaponized {
		return "weaponized"
	}
	return string(f.Exploit.ExploitMaturity)
}

func fixLabel(f types.Finding) string {
	if f.Remediation == nil || f.Remediation.FixedVersion == "" {
		return "-"
	}
	return f.Remediation.FixedVersion
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
