// ABOUTME: HTTP handler for the risk summary endpoint.
// ABOUTME: Reports tier counts, exploitation signals, the riskiest CVEs and per-source outcomes.

package server

import (
	"net/http"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/types"
)

const topCVELimit = 10

type SummaryHandler struct {
	provider FindingsProvider
	logger   *logrus.Logger
}

type SummaryResponse struct {
	TotalFindings int                           `json:"total_findings"`
	UniqueCVEs    int                           `json:"unique_cves"`
	ByPriority    map[types.Priority]int        `json:"by_priority"`
	InKEV         int                           `json:"in_kev"`
	Weaponized    int                           `json:"weaponized"`
	TopCVEs       []CVESummary                  `json:"top_cves"`
	Sources       map[string]engine.SourceStats `json:"sources"`
	LastUpdated   string                        `json:"last_updated,omitempty"`
}

type CVESummary struct {
	CVE           string         `json:"cve"`
	RiskScore     float64        `json:"risk_score"`
	Priority      types.Priority `json:"priority"`
	FindingCount  int            `json:"finding_count"`
	InKEV         bool           `json:"in_kev"`
	EPSS          float64        `json:"epss,omitempty"`
	FixedVersion  string         `json:"fixed_version,omitempty"`
	AffectedItems []string       `json:"affected,omitempty"`
}

func NewSummaryHandler(provider FindingsProvider, logger *logrus.Logger) *SummaryHandler {
	return &SummaryHandler{
		provider: provider,
		logger:   logger,
	}
}

// Summarize builds the summary for a ranked list of findings
func Summarize(findings []types.Finding) SummaryResponse {
	response := SummaryResponse{
		TotalFindings: len(findings),
		ByPriority:    engine.PrioritySummary(findings),
		TopCVEs:       make([]CVESummary, 0),
	}

	byCVE := make(map[string]*CVESummary)
	var order []string
	for _, f := range findings {
		if f.KEV != nil && f.KEV.InKEV {
			response.InKEV++
		}
		if f.Exploit != nil && f.Exploit.Weaponized {
			response.Weaponized++
		}
		if f.CVE == "" {
			continue
		}

		summary, ok := byCVE[f.CVE]
		if !ok {
			summary = &CVESummary{CVE: f.CVE, Priority: f.Priority}
			byCVE[f.CVE] = summary
			order = append(order, f.CVE)
		}
		summary.FindingCount++
		if f.RiskScore > summary.RiskScore {
			summary.RiskScore = f.RiskScore
			summary.Priority = f.Priority
		}
		if f.KEV != nil && f.KEV.InKEV {
			summary.InKEV = true
		}
		if f.EPSS != nil && f.EPSS.EPSS > summary.EPSS {
			summary.EPSS = f.EPSS.EPSS
		}
		if summary.FixedVersion == "" && f.Remediation != nil {
			summary.FixedVersion = f.Remediation.FixedVersion
		}
		if item := affectedItem(f); item != "" && !lo.Contains(summary.AffectedItems, item) {
			summary.AffectedItems = append(summary.AffectedItems, item)
		}
	}
	response.UniqueCVEs = len(byCVE)

	for _, cve := range order {
		response.TopCVEs = append(response.TopCVEs, *byCVE[cve])
	}
	sort.SliceStable(response.TopCVEs, func(i, j int) bool {
		a, b := response.TopCVEs[i], response.TopCVEs[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.FindingCount > b.FindingCount
	})
	if len(response.TopCVEs) > topCVELimit {
		response.TopCVEs = response.TopCVEs[:topCVELimit]
	}
	for i := range response.TopCVEs {
		response.TopCVEs[i].RiskScore = types.RoundScore(response.TopCVEs[i].RiskScore)
	}

	return response
}

func affectedItem(f types.Finding) string {
	switch {
	case f.Package != "" && f.Version != "":
		return f.Package + "@" + f.Version
	case f.Package != "":
		return f.Package
	default:
		return f.Source
	}
}

func (h *SummaryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/summary")

	findings, lastRun := h.provider.GetEnrichedFindings()

	response := Summarize(findings)
	response.Sources = h.provider.SourceStats()
	response.LastUpdated = formatTime(lastRun)

	writeJSON(w, r, response, logger)

	logger.WithFields(logrus.Fields{
		"total_findings": response.TotalFindings,
		"unique_cves":    response.UniqueCVEs,
	}).Debug("Served summary response")
}

// CreateSummaryHandler creates a standard HTTP handler
func CreateSummaryHandler(provider FindingsProvider, logger *logrus.Logger) http.HandlerFunc {
	return NewSummaryHandler(provider, logger).ServeHTTP
}
